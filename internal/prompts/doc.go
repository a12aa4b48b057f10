// Package prompts contains the prompt text the service itself sends to
// models: the fallback system prompt, the compaction summary request and
// the synthetic replies the agent loop writes on its own.
//
// Prompt text is Go code rather than config because it is program logic.
// Agent personas live in config.yaml; this package only holds what the
// orchestration needs. Each prompt category gets its own file with an
// exported function that accepts the dynamic parts.
package prompts
