// Package credentials holds the catalog access/refresh token pair and the
// OAuth client credentials behind a mutex, in memory or in a TOML file.
package credentials
