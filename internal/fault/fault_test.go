package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestTypeOf(t *testing.T) {
	t.Run("typed_error_is_trusted", func(t *testing.T) {
		err := New(Network, "connection reset")
		if got := TypeOf(err); got != Network {
			t.Fatalf("TypeOf = %q, want %q", got, Network)
		}
	})

	t.Run("typed_error_survives_wrapping", func(t *testing.T) {
		inner := New(Balance, "credit exhausted")
		wrapped := fmt.Errorf("completion call: %w", inner)
		if got := TypeOf(wrapped); got != Balance {
			t.Fatalf("TypeOf = %q, want %q", got, Balance)
		}
	})

	t.Run("untyped_error_is_internal", func(t *testing.T) {
		if got := TypeOf(errors.New("index out of range")); got != Internal {
			t.Fatalf("TypeOf = %q, want %q", got, Internal)
		}
	})

	t.Run("message_text_never_classifies", func(t *testing.T) {
		// An untyped error whose text mentions a category is still internal.
		err := errors.New("network unreachable: auth failed")
		if got := TypeOf(err); got != Internal {
			t.Fatalf("TypeOf = %q, want %q", got, Internal)
		}
	})

	t.Run("nil_cause_wrap_is_nil", func(t *testing.T) {
		if got := Wrap(Network, "call", nil); got != nil {
			t.Fatalf("Wrap(nil) = %v, want nil", got)
		}
	})
}

func TestIsDefiniteFailure(t *testing.T) {
	cases := []struct {
		typ  Type
		want bool
	}{
		{Logic, true},
		{Permission, true},
		{Network, false},
		{Auth, false},
		{Internal, false},
		{APIKey, false},
		{Balance, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			err := New(tc.typ, "boom")
			if got := IsDefiniteFailure(err); got != tc.want {
				t.Fatalf("IsDefiniteFailure(%s) = %v, want %v", tc.typ, got, tc.want)
			}
		})
	}

	t.Run("untyped_is_indeterminate", func(t *testing.T) {
		if IsDefiniteFailure(errors.New("panic: nil map write")) {
			t.Fatal("untyped error must not be definite")
		}
	})
}

func TestErrorFormatting(t *testing.T) {
	t.Run("message_only", func(t *testing.T) {
		err := New(Auth, "token expired")
		if got := err.Error(); got != "auth: token expired" {
			t.Fatalf("Error() = %q", got)
		}
	})

	t.Run("message_and_cause", func(t *testing.T) {
		cause := errors.New("401 Unauthorized")
		err := Wrap(Auth, "refresh", cause)
		if got := err.Error(); got != "auth: refresh: 401 Unauthorized" {
			t.Fatalf("Error() = %q", got)
		}
		if !errors.Is(err, cause) {
			t.Fatal("wrapped cause lost")
		}
	})

	t.Run("source_tagging", func(t *testing.T) {
		err := Errorf(Logic, "undefined name %q", "fetch").At("sandbox")
		if err.Source != "sandbox" {
			t.Fatalf("Source = %q", err.Source)
		}
	})
}
