package prompts

import "fmt"

// baseSystemTemplate is used when an agent has no system prompt.
const baseSystemTemplate = `You are a helpful assistant for an online store.

Use the available tools to look up facts instead of guessing. When a tool
fails, tell the user what went wrong in one sentence and suggest a next
step. Keep answers short and concrete.`

// BaseSystemPrompt returns the fallback system prompt.
func BaseSystemPrompt() string {
	return baseSystemTemplate
}

// budgetExceededTemplate is the synthetic assistant reply written when
// the tool-call budget runs out. The format verb is the budget.
const budgetExceededTemplate = `I stopped after %d rounds of tool calls without reaching an answer. ` +
	`Please narrow the request or ask me to continue.`

// BudgetExceededMessage returns the synthetic reply for an exhausted
// tool-call budget.
func BudgetExceededMessage(budget int) string {
	return fmt.Sprintf(budgetExceededTemplate, budget)
}
