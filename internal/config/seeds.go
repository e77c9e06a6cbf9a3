package config

import (
	"fmt"
	"os"
)

// StarterWorkflows returns the example workflows written into config.yaml
// on first run. Both are paused so a fresh install never burns tokens
// until the operator opts in.
func StarterWorkflows() []WorkflowSeed {
	return []WorkflowSeed{
		{
			Name:     "morning-digest",
			Schedule: "0 9 * * *",
			Prompt: `Review the memos saved under the "news" prefix, summarize anything
that changed since yesterday, and send the summary to the operator.
Keep it under ten lines. If nothing changed, say so in one line.`,
			Paused: true,
		},
		{
			Name:     "link-check",
			Schedule: "0 */6 * * *",
			Prompt: `Fetch each URL listed in the memo "watch:urls" (one per line) and
record which ones fail. Save the failures to the memo "watch:failures"
and notify the operator only when a URL that worked last time now fails.`,
			Paused: true,
		},
	}
}

// WriteStarterConfig writes a commented config.yaml for first-run setup.
// It refuses to overwrite an existing file.
func WriteStarterConfig(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config.yaml already exists at %s", path)
	}

	starter := `# minder configuration
# Keys can also come from the environment: GEMINI_API_KEY, ANTHROPIC_API_KEY,
# OPENAI_API_KEY, TELEGRAM_TOKEN.

log_level: info

llm:
  provider: google
  model: gemini-2.5-flash

# channels:
#   telegram:
#     enabled: true
#     chat_id: 0

workflows:
  - name: morning-digest
    schedule: "0 9 * * *"
    paused: true
    prompt: |
      Review the memos saved under the "news" prefix, summarize anything
      that changed since yesterday, and send the summary to the operator.
      Keep it under ten lines. If nothing changed, say so in one line.

  - name: link-check
    schedule: "0 */6 * * *"
    paused: true
    prompt: |
      Fetch each URL listed in the memo "watch:urls" (one per line) and
      record which ones fail. Save the failures to the memo "watch:failures"
      and notify the operator only when a URL that worked last time now fails.
`
	return os.WriteFile(path, []byte(starter), 0o644)
}
