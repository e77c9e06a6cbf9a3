package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"

	"github.com/basket/minder/internal/fault"
)

// Classify maps a completion failure onto the engine taxonomy. Provider SDK
// errors carry HTTP status codes and are trusted at this boundary; transport
// failures are network; anything unrecognized stays internal. An error that
// already carries a fault type passes through untouched.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := fault.As(err); ok {
		return err
	}

	if status, ok := providerStatus(err); ok {
		return fault.Wrap(statusFault(status), fmt.Sprintf("provider returned HTTP %d", status), err).At("completion")
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.Network, "completion timed out", err).At("completion")
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Network, "completion canceled", err).At("completion")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fault.Wrap(fault.Network, "transport failure", err).At("completion")
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fault.Wrap(fault.Network, "transport failure", err).At("completion")
	}

	return fault.Wrap(fault.Internal, "completion failed", err).At("completion")
}

// providerStatus extracts the HTTP status from a provider SDK error anywhere
// in the chain.
func providerStatus(err error) (int, bool) {
	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		return anthErr.StatusCode, true
	}
	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return oaiErr.StatusCode, true
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return genaiErr.Code, true
	}
	return 0, false
}

// statusFault maps an HTTP status onto a fault type. The LLM credential is
// process-wide, so 401/403 here mean the shared key is bad, not a per-unit
// connector problem. 429 counts as spend pressure and pauses all spend
// rather than hammering a rate-limited key.
func statusFault(status int) fault.Type {
	switch {
	case status == 401 || status == 403:
		return fault.APIKey
	case status == 402 || status == 429:
		return fault.Balance
	case status == 408 || status >= 500:
		return fault.Network
	default:
		return fault.Internal
	}
}
