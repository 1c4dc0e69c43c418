// Package session holds the per-query conversation state: messages, the
// append-only shared history, and the private expert scratchpad.
//
// Invariants:
// - Histories are append-only; appended messages are copied and never mutated.
// - A tool-call message is followed by one tool message per call, in request order.
// - The scratchpad starts empty on every expert dispatch.
//
// Usage:
//
//	st, _ := session.NewState(runID, "What is the top anime of all time?")
//	st.BeginDispatch("Anime")
//	_ = st.Append(session.ScopeScratchpad, session.Message{Role: session.RoleAssistant, Name: "Anime", Content: "..."})
package session
