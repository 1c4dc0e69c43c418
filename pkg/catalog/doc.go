// Package catalog exposes the MyAnimeList v2 REST API as agent tools.
//
// Every tool takes one string parameter, "input", holding pipe separated
// fields (for example "5114|title,mean"), or the word None for tools
// without arguments. Unset fields (empty or None) are left out of the
// request. Responses are returned to the agent as raw JSON text; a 401
// body is passed through so the router can schedule a token refresh.
//
// The bearer token is read from a credentials.Store on every request,
// and Refresher rotates it with the OAuth2 refresh_token grant.
package catalog
