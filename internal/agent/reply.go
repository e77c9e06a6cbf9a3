package agent

import (
	"errors"
	"strings"
	"time"
)

// StepOutput is the parsed form of one model reply. ParseReply returns
// exactly one of the three variants; there is no default.
type StepOutput interface {
	stepOutput()
}

// Code asks the engine to evaluate a script and feed the result back.
type Code struct {
	Source string
	Note   string
}

// Done ends the run with a reply for the operator.
type Done struct {
	Reply string
}

// Wait parks the unit on a question and/or a resume time.
type Wait struct {
	Question string
	Resume   time.Time // zero when only a question was given
}

func (Code) stepOutput() {}
func (Done) stepOutput() {}
func (Wait) stepOutput() {}

// Parse failures, one per missing-required-section case. The worker
// treats them all as untyped errors; classification makes them internal.
var (
	ErrMissingKind      = errors.New("reply has no [[kind]] section")
	ErrUnknownKind      = errors.New("reply [[kind]] is not code, done or wait")
	ErrMissingCode      = errors.New("code reply has no [[code]] section")
	ErrMissingReply     = errors.New("done reply has no [[reply]] section")
	ErrEmptyWait        = errors.New("wait reply carries neither [[question]] nor [[resume]]")
	ErrBadResume        = errors.New("reply [[resume]] is not an RFC 3339 time")
	ErrDuplicateSection = errors.New("reply repeats a section")
)

// sectionNames are the only recognized headers. A line is a header only
// when it starts with [[name]] for one of these; everything else,
// including bracketed text inside a script, is body.
var sectionNames = map[string]bool{
	"kind":     true,
	"code":     true,
	"note":     true,
	"reply":    true,
	"question": true,
	"resume":   true,
}

// ParseReply splits a model reply into its sections and builds the step
// output the declared kind requires. Text before the first section is
// discarded (models preface replies); sections the declared kind does
// not use are ignored. Ambiguity never falls back to a default variant:
// a missing or malformed required section fails the step.
func ParseReply(text string) (StepOutput, error) {
	sections, err := splitSections(text)
	if err != nil {
		return nil, err
	}

	kindBody, ok := sections["kind"]
	if !ok {
		return nil, ErrMissingKind
	}
	switch strings.ToLower(strings.TrimSpace(kindBody)) {
	case "code":
		source, ok := sections["code"]
		if !ok || strings.TrimSpace(source) == "" {
			return nil, ErrMissingCode
		}
		return Code{
			Source: strings.TrimSpace(source),
			Note:   strings.TrimSpace(sections["note"]),
		}, nil

	case "done":
		reply, ok := sections["reply"]
		if !ok || strings.TrimSpace(reply) == "" {
			return nil, ErrMissingReply
		}
		return Done{Reply: strings.TrimSpace(reply)}, nil

	case "wait":
		question := strings.TrimSpace(sections["question"])
		resumeRaw, hasResume := sections["resume"]
		if question == "" && !hasResume {
			return nil, ErrEmptyWait
		}
		var resume time.Time
		if hasResume {
			parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(resumeRaw))
			if err != nil {
				return nil, ErrBadResume
			}
			resume = parsed
		}
		return Wait{Question: question, Resume: resume}, nil

	default:
		return nil, ErrUnknownKind
	}
}

// splitSections walks the reply line by line. A header both names the
// section and may carry the first body line after the closing brackets.
func splitSections(text string) (map[string]string, error) {
	sections := make(map[string]string)
	var current string
	var body strings.Builder

	flush := func() {
		if current != "" {
			sections[current] = strings.TrimRight(body.String(), "\n")
			body.Reset()
		}
	}

	for _, line := range strings.Split(text, "\n") {
		name, rest, isHeader := headerLine(line)
		if !isHeader {
			if current != "" {
				body.WriteString(line)
				body.WriteByte('\n')
			}
			continue
		}
		if _, seen := sections[name]; seen || name == current {
			return nil, ErrDuplicateSection
		}
		flush()
		current = name
		if rest != "" {
			body.WriteString(rest)
			body.WriteByte('\n')
		}
	}
	flush()
	return sections, nil
}

// headerLine reports whether line opens a section, returning the section
// name and any inline content after the closing brackets.
func headerLine(line string) (name, rest string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "[[") {
		return "", "", false
	}
	end := strings.Index(trimmed, "]]")
	if end < 0 {
		return "", "", false
	}
	name = strings.ToLower(strings.TrimSpace(trimmed[2:end]))
	if !sectionNames[name] {
		return "", "", false
	}
	return name, strings.TrimSpace(trimmed[end+2:]), true
}
