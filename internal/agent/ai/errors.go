package ai

import "fmt"

// The error taxonomy of the runtime. Each class is a distinct wrapped type so
// callers can errors.As them and apply the right propagation rule: config and
// auth errors surface without retry, transport errors retry in the driver,
// protocol/upstream errors terminate a stream with one Error event, tool
// errors continue the agent loop.

// ConfigError covers missing/invalid provider, unknown model, missing API
// key. Never retried.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// AuthError covers a missing OAuth token or a failed refresh. Refresh is
// attempted exactly once per call before this surfaces.
type AuthError struct {
	Msg string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError covers connect/send/decode failures, retried with backoff
// by the driver before surfacing.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError covers malformed SSE payloads outside tool-argument
// accumulators. Terminal for the stream.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return e.Msg }

// UpstreamError covers HTTP >= 400 and response.failed envelopes.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %d: %s", e.StatusCode, e.Body)
}

// TimeoutError covers the per-chunk inactivity timeout and overall HTTP
// deadlines. Mapped to an Error event for streams.
type TimeoutError struct {
	Msg string
}

func (e *TimeoutError) Error() string { return e.Msg }

// ValidationError covers synchronously-rejected inputs: invalid task ids,
// invalid commands, bad edit preconditions, SSRF blocks.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }
