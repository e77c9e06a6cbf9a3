package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/minder/internal/completion"
	"github.com/basket/minder/internal/store"
)

// The model speaks the section protocol and nothing else. This grammar
// block is quoted verbatim in every system prompt; ParseReply is the
// other half of the contract, so the two must not drift apart.
const protocolGrammar = `Answer with exactly one action per turn, written as sections. A
section header sits alone at the start of a line. Declare the action
first with [[kind]], then the sections that action needs:

[[kind]] code
[[code]]
the script to execute; everything up to the next header belongs to it
[[note]] optional one-line remark for the activity log

[[kind]] done
[[reply]] the final outcome, addressed to the operator

[[kind]] wait
[[question]] something you need from the operator before continuing
[[resume]] 2026-01-02T15:04:05Z

A wait needs a question, a resume time in RFC 3339, or both. Text
outside these sections is discarded. No other kinds exist.`

const scriptEnvironment = `Scripts run in Starlark, a small Python dialect: no imports, no
recursion, while loops and reassignment are allowed. The dict named
state survives between steps and between runs; whatever you leave in
it is there next time. Assign result to report a value back, use
print() for anything you want to observe. Capabilities are called with
keyword arguments, e.g. chat.send(body="backup finished").`

func rolePreamble(u *store.Unit) string {
	switch u.Role {
	case store.RoleWorkflow:
		return fmt.Sprintf("You are minder, an unattended assistant. You run the recurring workflow %q; this conversation serves one scheduled occurrence of it.", u.Name)
	case store.RoleMaintainer:
		return fmt.Sprintf("You are minder's repair hand. The unit %q exists to fix a broken workflow; the repair request in your instructions says what failed. Produce a corrected script and submit it. Do not perform the workflow's own job.", u.Name)
	default:
		return fmt.Sprintf("You are minder, an unattended assistant executing the one-shot task %q.", u.Name)
	}
}

func systemPrompt(u *store.Unit, instructions string, capabilities []string) string {
	var b strings.Builder
	b.WriteString(rolePreamble(u))
	if s := strings.TrimSpace(instructions); s != "" {
		b.WriteString("\n\nStanding instructions from the operator:\n")
		b.WriteString(s)
	}
	b.WriteString("\n\nYour instructions:\n")
	b.WriteString(u.Prompt)
	b.WriteString("\n\n")
	if len(capabilities) == 0 {
		b.WriteString("No capabilities are granted; work with scripts alone.")
	} else {
		b.WriteString("Granted capabilities: ")
		b.WriteString(strings.Join(capabilities, ", "))
		b.WriteString(".")
	}
	b.WriteString("\n\n")
	b.WriteString(scriptEnvironment)
	b.WriteString("\n\n")
	b.WriteString(protocolGrammar)
	return b.String()
}

// historyMessages converts stored transcript rows to model input. Tool
// rows keep their role; the provider adapter decides how to render them.
func historyMessages(rows []store.Message) []completion.Message {
	msgs := make([]completion.Message, 0, len(rows))
	for _, m := range rows {
		role := completion.RoleUser
		switch m.Role {
		case store.MsgAssistant:
			role = completion.RoleAssistant
		case store.MsgTool:
			role = completion.RoleTool
		case store.MsgSystem:
			role = completion.RoleSystem
		}
		msgs = append(msgs, completion.Message{Role: role, Content: m.Content})
	}
	return msgs
}

const stateDisplayLimit = 2000

// opening is the user turn that starts a run: the wake-up line plus
// whatever context arrived while the unit slept. Carried state is shown
// so the model writes scripts against keys that actually exist; the
// sandbox is what feeds the real values in.
type opening struct {
	now     time.Time
	answer  *store.InboxItem // resolved since the previous run, folded exactly once
	pending *store.InboxItem // still open; surfaced, never folded
	fix     string           // corrected script accepted while the unit was under repair
	state   map[string]any
}

func (o opening) message() completion.Message {
	parts := []string{"Begin the run. Now: " + o.now.UTC().Format(time.RFC3339) + "."}
	if o.answer != nil {
		parts = append(parts, fmt.Sprintf("The operator answered your question.\nAsked: %s\nAnswer: %s",
			o.answer.Body, o.answer.Response))
	}
	if o.fix != "" {
		parts = append(parts, "Your previous script failed and a corrected version was accepted:\n"+
			o.fix+
			"\nRun the corrected script as written; change it only if an observation forces you to.")
	}
	if o.pending != nil {
		if o.pending.Kind == store.InboxRepair {
			parts = append(parts, "Open repair request:\n"+o.pending.Body)
		} else {
			parts = append(parts, fmt.Sprintf("Your question to the operator is still unanswered:\n%s\nCarry on without the answer or wait again.",
				o.pending.Body))
		}
	}
	if len(o.state) > 0 {
		if js, err := json.Marshal(o.state); err == nil {
			parts = append(parts, "Carried state:\n"+clipText(string(js), stateDisplayLimit))
		}
	}
	return completion.Message{Role: completion.RoleUser, Content: strings.Join(parts, "\n\n")}
}

// observationMessage renders a script result back to the model as the
// next user turn. In the store the same text lands as a tool row.
func observationMessage(text string) completion.Message {
	if strings.TrimSpace(text) == "" {
		text = "(no output)"
	}
	return completion.Message{Role: completion.RoleUser, Content: "Observation:\n" + text}
}

func clipText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
