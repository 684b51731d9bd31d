package llm

import (
	"fmt"
	"strings"

	"companion-memory/internal/model"
)

// Prompt contracts. Downstream parsers depend on these exact output
// shapes, so the templates spell them out explicitly.

// ImportancePrompt renders the type-specific importance evaluation
// prompt. The model must answer with exactly one line of the form
// "IMPORTANCE_SCORE: <float 0..1>".
func ImportancePrompt(content string, contentType model.ContentType) string {
	var preamble string
	switch contentType {
	case model.ContentUserChat:
		preamble = "Rate how important the following user message is for long-term memory of a personal companion. Personal facts, preferences, plans, and relationships score high; small talk scores low."
	case model.ContentAIResponse:
		preamble = "Rate how important the following assistant reply is for long-term memory. Replies that commit to facts about the user or decisions score high; generic answers score low."
	case model.ContentFileEvent:
		preamble = "Rate how important the following file upload event is for long-term memory. Uploaded material usually matters to the user."
	case model.ContentDocumentContent:
		preamble = "Rate how important the following extracted document content is for long-term memory."
	case model.ContentImageAnalysis:
		preamble = "Rate how important the following image analysis is for long-term memory of a personal companion."
	default:
		preamble = "Rate how important the following content is for long-term memory."
	}

	return fmt.Sprintf(`%s

Content:
%s

Respond with exactly one line in this format and nothing else:
IMPORTANCE_SCORE: <number between 0 and 1>`, preamble, content)
}

// EpisodePrompt renders the title+narrative generation prompt for a set
// of related memory fragments. The model must answer with
// "Title: ..." then a blank line then "Summary: ...".
func EpisodePrompt(text string) string {
	return fmt.Sprintf(`The following are related fragments of a person's memories. Write a short episode title and a narrative summary from the person's perspective.

Memories:
%s

Respond in exactly this format:
Title: <a title of at most 50 characters>

Summary: <a narrative of 150 to 300 words>`, text)
}

// ThoughtPrompt renders the cross-episode insight prompt. The model
// must answer with three lines starting NAME:, DESCRIPTION:, IMPORTANCE:.
func ThoughtPrompt(episodeSummaries []string) string {
	var b strings.Builder
	for i, s := range episodeSummaries {
		fmt.Fprintf(&b, "Episode %d: %s\n", i+1, s)
	}
	return fmt.Sprintf(`The following episodes come from one person's long-term memory. Derive a single higher-order insight that connects them.

%s
Respond in exactly this format:
NAME: <insight name, at most 10 words>
DESCRIPTION: <150-200 words describing the insight>
IMPORTANCE: <number between 0 and 1>`, b.String())
}

// ComposeUserMessage prepends a memory context block, when present,
// verbatim before the user text. The provider receives the block
// followed by "USER MESSAGE: <text>".
func ComposeUserMessage(memoryContext, text string) string {
	if memoryContext == "" {
		return text
	}
	return memoryContext + "\n\nUSER MESSAGE: " + text
}
