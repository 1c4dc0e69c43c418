// Package orchestrator runs one query through the router/expert state
// machine:
//
//	Router --RefreshToken--> RefreshToken --> Router
//	Router --Expert(name)--> Expert(name)   (fresh scratchpad)
//	Router --Summarize-----> Summarize --> halt
//	Router --inconclusive--> Router
//	Expert --tool calls----> Tools --> Expert
//	Expert --text----------> Update --> Router
//
// Every step appends to exactly one history. Update is the only step that
// moves expert output into the shared history, and it copies just the last
// scratchpad message. Scratchpads are kept in the run transcript.
//
// Nodes run strictly one after another. Each Run owns its session state, so
// an Orchestrator serves concurrent queries.
package orchestrator
