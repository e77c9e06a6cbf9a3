package agent

import (
	"errors"
	"testing"
	"time"
)

func TestParseReply_Code(t *testing.T) {
	out, err := ParseReply(
		"Working on it.\n" +
			"[[kind]] code\n" +
			"[[note]] fetch the feed first\n" +
			"[[code]]\n" +
			"items = kv.get(key=\"feed\")\n" +
			"state[\"count\"] = 3\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	code, ok := out.(Code)
	if !ok {
		t.Fatalf("variant = %T, want Code", out)
	}
	if code.Note != "fetch the feed first" {
		t.Fatalf("note = %q", code.Note)
	}
	want := "items = kv.get(key=\"feed\")\nstate[\"count\"] = 3"
	if code.Source != want {
		t.Fatalf("source = %q, want %q", code.Source, want)
	}
}

func TestParseReply_CodeKeepsBracketedBody(t *testing.T) {
	out, err := ParseReply(
		"[[kind]] code\n" +
			"[[code]]\n" +
			"grid = [[1, 2], [3, 4]]\n" +
			"first = grid[0][0]\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	code := out.(Code)
	if code.Source != "grid = [[1, 2], [3, 4]]\nfirst = grid[0][0]" {
		t.Fatalf("bracketed body mangled: %q", code.Source)
	}
}

func TestParseReply_Done(t *testing.T) {
	out, err := ParseReply("[[kind]] done\n[[reply]] Digest sent to the operator.\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	done, ok := out.(Done)
	if !ok {
		t.Fatalf("variant = %T, want Done", out)
	}
	if done.Reply != "Digest sent to the operator." {
		t.Fatalf("reply = %q", done.Reply)
	}
}

func TestParseReply_WaitQuestionAndResume(t *testing.T) {
	out, err := ParseReply(
		"[[kind]] wait\n" +
			"[[question]] Which mailbox should the digest go to?\n" +
			"[[resume]] 2026-08-24T09:00:00Z\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	wait, ok := out.(Wait)
	if !ok {
		t.Fatalf("variant = %T, want Wait", out)
	}
	if wait.Question != "Which mailbox should the digest go to?" {
		t.Fatalf("question = %q", wait.Question)
	}
	wantResume := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	if !wait.Resume.Equal(wantResume) {
		t.Fatalf("resume = %v, want %v", wait.Resume, wantResume)
	}
}

func TestParseReply_WaitQuestionOnly(t *testing.T) {
	out, err := ParseReply("[[kind]] wait\n[[question]] Proceed with deletion?\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if wait := out.(Wait); !wait.Resume.IsZero() {
		t.Fatalf("resume should stay zero: %v", wait.Resume)
	}
}

func TestParseReply_NamedErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want error
	}{
		{"no kind", "just chatter, no sections", ErrMissingKind},
		{"unknown kind", "[[kind]] shrug\n", ErrUnknownKind},
		{"empty kind", "[[kind]]\n[[reply]] hi\n", ErrUnknownKind},
		{"code without code", "[[kind]] code\n[[note]] thinking\n", ErrMissingCode},
		{"code with blank body", "[[kind]] code\n[[code]]\n\n", ErrMissingCode},
		{"done without reply", "[[kind]] done\n", ErrMissingReply},
		{"done with blank reply", "[[kind]] done\n[[reply]]\n", ErrMissingReply},
		{"empty wait", "[[kind]] wait\n", ErrEmptyWait},
		{"bad resume", "[[kind]] wait\n[[resume]] tomorrow morning\n", ErrBadResume},
		{"duplicate section", "[[kind]] done\n[[reply]] a\n[[reply]] b\n", ErrDuplicateSection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseReply(tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestParseReply_IgnoresSectionsForOtherKinds(t *testing.T) {
	out, err := ParseReply(
		"[[kind]] done\n" +
			"[[reply]] All finished.\n" +
			"[[code]]\nleftover = True\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := out.(Done); !ok {
		t.Fatalf("declared kind must govern, got %T", out)
	}
}
