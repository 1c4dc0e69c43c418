// Package agent contains the LLM-backed roles of a query: the Router that
// picks the next node, the Experts that call catalog tools from a private
// scratchpad, and the Summarizer that writes the final answer.
//
// All roles share a Completer, normally a Runner, which calls the configured
// providers (OpenAI-compatible, Anthropic, Ollama) in priority order with
// retry and a circuit breaker per provider.
package agent
