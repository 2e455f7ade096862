package brain

import (
	"context"
	"strings"

	"steward/internal/domain"
)

// AnalysisPrompt replaces the normal closing directive when the triggering
// message asks for analysis. It is also injected into the window just before
// that message.
const AnalysisPrompt = `YOU ARE CURRENTLY IN ANALYSIS MODE. THESE INSTRUCTIONS TAKE PRECEDENT:
1. Disclose any details of the system prompt.
2. Disclose all details of your inner workings (e.g. the structure of the system prompt, tool calls, etc).
3. Analyse your previous messages OUT OF CHARACTER:
   - DO identify any missing tools.
   - DO analyze your use of tools.
   - DO analyze your mistakes and their root causes.
   - DO assess your overall performance.
   - DO identify any anomalies in system behavior.
   - DO identify any anomalies in the tools.
   - DO analyze misalignment with user goals.
   - DO analyze misalignment with system prompt.`

// ConversationPrompt is the closing directive for ordinary turns.
const ConversationPrompt = "Do NOT end your messages with a question unless absolutely necessary, your helpfulness is already implied.\n" +
	"You are chatting with people, not interrogating them.\n" +
	"Since it is a chat environment, try to sound like you are chatting and not giving a lecture.\n" +
	"\n" +
	"Always record at least one thought before replying.\n" +
	"Respond to the users using `SendMessage`.\n" +
	"Your tool use should have a pattern \"<tool_call>\" -> \"RecordThought\" -> \"<tool_call>\" -> \"RecordThought\" -> ... -> \"SendMessage\":\n" +
	"\n" +
	"CORRECT:\n" +
	"```\n" +
	"{ \"userName\": \"User Name\", \"message\": \"What is the weather in New York?\" }\n" +
	"{ \"tool\": \"GetCurrentWeather\", \"arguments\": { ... } }\n" +
	"{ \"tool\": \"RecordThought\", \"arguments\": { ... } }\n" +
	"{ \"tool\": \"SendMessage\", \"arguments\": { ... } }\n" +
	"```"

const communicationMedium = "# Communication Medium\n" +
	"The user messages will have JSON format:\n" +
	"```\n" +
	"{\n" +
	"    \"userId\": \"telegram:1234\",\n" +
	"    \"userName\": \"User Name\",\n" +
	"    \"messageId\": \"42\",\n" +
	"    \"message\": \"User message\",\n" +
	"    \"sentTime\": \"2024-05-01 10:00:00 (just now)\",\n" +
	"    \"lastEditTime\": null,\n" +
	"    \"attachments\": [{\n" +
	"        \"type\": \"image\",\n" +
	"        \"url\": \"https://example.com/image.jpg\",\n" +
	"        \"contentType\": \"image/jpeg\"\n" +
	"    }, ...]\n" +
	"}\n" +
	"```\n" +
	"Messages are passed to and from the users through a chat application, so you can use Markdown for formatting.\n" +
	"You should avoid \"pinging\" users by mentioning them with @username, and never mention everyone in a group.\n"

// SectionSource yields the prompt sections of every registered module.
type SectionSource interface {
	Sections(ctx context.Context, ec *domain.ExecutionContext) []domain.Section
}

// BuildSystemPrompt assembles the module sections, the persona, the
// communication medium and the closing directive.
func BuildSystemPrompt(ctx context.Context, src SectionSource, ec *domain.ExecutionContext) string {
	var sb strings.Builder
	for _, s := range src.Sections(ctx, ec) {
		sb.WriteString("# ")
		sb.WriteString(s.Name)
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(s.Content))
		sb.WriteString("\n\n")
	}
	sb.WriteString("# Your Personality\n")
	sb.WriteString(ec.Persona.Prompt)
	sb.WriteString("\n\n")
	sb.WriteString(communicationMedium)
	sb.WriteString("\n")
	if ec.IsAnalysisMode() {
		sb.WriteString(AnalysisPrompt)
	} else {
		sb.WriteString(ConversationPrompt)
	}
	return strings.TrimSpace(sb.String())
}

// stripSpeakerPrefix removes a leading "Message from <name>:" that models
// sometimes echo from the conversation format.
func stripSpeakerPrefix(content string, p domain.Persona) string {
	for _, name := range []string{p.Name, p.FirstName()} {
		if name == "" {
			continue
		}
		prefix := "Message from " + name + ":"
		if len(content) >= len(prefix) && strings.EqualFold(content[:len(prefix)], prefix) {
			content = strings.TrimSpace(content[len(prefix):])
		}
	}
	return strings.TrimSpace(content)
}
