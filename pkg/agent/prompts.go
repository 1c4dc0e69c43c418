package agent

import (
	"fmt"
	"strings"

	"github.com/harun/otaku/pkg/session"
)

// ExpertProfile describes an expert to the router
type ExpertProfile struct {
	Name        string
	Description string
}

// Default expert descriptions
var (
	AnimeExpert  = ExpertProfile{Name: "Anime", Description: "Used to gather information from MyAnimeList about anime and the user's anime list"}
	MangaExpert  = ExpertProfile{Name: "Manga", Description: "Used to gather information from MyAnimeList about manga and the user's manga list"}
	ForumsExpert = ExpertProfile{Name: "Forums", Description: "Used to gather information from MyAnimeList about forum boards and topics"}
)

const routerPrompt = `You are a specialized router agent. Your first priority is to determine if a tool is required.
The only tool you may call on your own is %[1]s, and only when an expert reported that an access token refresh is needed. When calling it, do not say anything.

If no refresh is required, decide which expert handles the request next by calling %[2]s. The available experts are:
%[3]s
Once the user's message has been answered, or it cannot be answered by any of the experts, choose Summarize.

If you answer in text instead, reply with a single word: an expert name or Summarize.`

const expertPrompt = `You are the %[1]s expert with access to MyAnimeList. The user's question is in the main message history. Your own tool calls and their results follow it; they are your private scratchpad.

Call tools to answer the user's query. Do not rely on your own knowledge; always use the MyAnimeList tools to gather information.
If a tool call is denied with a 401 error, stop and say that an access token refresh is needed.
You may keep calling tools until you are able to answer. When you reply without calling a tool, your reply is sent back to the router and your scratchpad is erased, so always call a tool unless you are finished.
Only these tools are available to you: %[2]s.
%[3]s`

const unauthorizedHint = `
The last tool result shows the access token was rejected. Do not call more tools; say that an access token refresh is needed.`

const summarizerPrompt = `Use the message history to respond to the user's most recent message. Answer the user directly; do not mention the router, the experts or the tools.`

func buildRouterPrompt(refreshTool, selectTool string, experts []ExpertProfile) string {
	var b strings.Builder
	for _, e := range experts {
		fmt.Fprintf(&b, "- %s: %s\n", e.Name, e.Description)
	}
	return fmt.Sprintf(routerPrompt, refreshTool, selectTool, b.String())
}

func buildExpertPrompt(name, extra string, toolNames []string, unauthorized bool) string {
	prompt := fmt.Sprintf(expertPrompt, name, strings.Join(toolNames, ", "), extra)
	if unauthorized {
		prompt += unauthorizedHint
	}
	return strings.TrimSpace(prompt)
}

// transcriptMessage renders a history into one user message
func transcriptMessage(title string, history []session.Message) session.Message {
	lines := make([]string, 0, len(history)+1)
	lines = append(lines, "## "+title+":")
	for _, m := range history {
		lines = append(lines, m.Render())
	}
	return session.Message{Role: session.RoleUser, Content: strings.Join(lines, "\n")}
}
