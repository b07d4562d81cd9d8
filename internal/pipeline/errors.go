package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrNotStarted        = errors.New("pipeline session not started")
	ErrSessionClosed     = errors.New("pipeline session closed")
)

// ProviderInitError reports why a capability could not be built. Sessions
// that hit it fall back to mock mode.
type ProviderInitError struct {
	Capability string
	Provider   string
	Err        error
}

func (e *ProviderInitError) Error() string {
	return fmt.Sprintf("init %s provider %q: %v", e.Capability, e.Provider, e.Err)
}

func (e *ProviderInitError) Unwrap() error { return e.Err }

// UpstreamCallError wraps a failed transcribe/generate/synthesize call.
type UpstreamCallError struct {
	Capability string
	Provider   string
	Err        error
}

func (e *UpstreamCallError) Error() string {
	return fmt.Sprintf("%s call to %q failed: %v", e.Capability, e.Provider, e.Err)
}

func (e *UpstreamCallError) Unwrap() error { return e.Err }
