package prompts

import (
	"fmt"
	"strings"
)

// compactionTemplate is the prompt sent to a model to summarize the older
// part of a conversation. The single format verb is the conversation text.
const compactionTemplate = `Summarize this conversation concisely. Focus on:
1. What the user asked for
2. Facts established by tool results (ids, counts, totals)
3. Actions taken and their outcomes
4. Any open items the assistant still owes the user

Keep the summary under 400 words. Use bullet points. Do not invent details.

Conversation:
%s

Summary:`

// previousSummarySection carries an earlier summary forward so repeated
// compaction does not lose it.
const previousSummarySection = `

## Earlier summary (already compacted)
%s

Fold the earlier summary into yours.`

// CompactionPrompt returns the prompt for a model-generated compaction
// summary. previous is the summary from an earlier compaction, if any.
func CompactionPrompt(conversationText, previous string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(compactionTemplate, conversationText))
	if previous != "" {
		sb.WriteString(fmt.Sprintf(previousSummarySection, previous))
	}
	return sb.String()
}

// SummaryHeader prefixes every compaction summary placed in the system
// prompt.
func SummaryHeader(compacted int) string {
	return fmt.Sprintf("[Conversation summary: %d earlier messages compacted]", compacted)
}
