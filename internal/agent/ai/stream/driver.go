// Package stream implements the Streaming Driver (D): a hand-rolled SSE
// client shared by every protocol codec. It owns connection
// pooling, retry/backoff, delimiter framing, and the per-chunk inactivity
// timeout; codecs only ever see framed (event, data) pairs.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nebolabs/nebo/internal/agent/ai"
	"github.com/nebolabs/nebo/internal/logging"
)

// inactivityTimeout bounds how long the driver waits for the next byte on
// an open stream before giving up on it.
const inactivityTimeout = 300 * time.Second

// maxRetries is the number of additional attempts after the first, applied
// both to the initial connect and to transient in-stream read errors.
const maxRetries = 3

// retryBackoff returns the exponential 1s/2s/4s backoff for attempt n (0-based).
func retryBackoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// sharedClient is the one keep-alive HTTP client, created at package init.
// Drivers built with New use it, the dispatcher passes it to the Copilot
// token refresh, and the CLI hands it to the imageGeneration tool; the HTTP
// proxy builds its own SSRF-guarded clients. Automatic response decompression
// is disabled: SSE bodies are plain text and gzip framing would break
// byte-level delimiter scanning.
var sharedClient = &http.Client{
	Transport: &http.Transport{
		DisableCompression:  true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

// SharedClient returns the driver's shared *http.Client.
func SharedClient() *http.Client { return sharedClient }

// Request describes one SSE POST to issue.
type Request struct {
	URL     string
	Headers map[string]string
	Body    []byte
	Codec   ai.Codec
}

// Driver is the Streaming Driver (D).
type Driver struct {
	client *http.Client
}

// New builds a Driver over the shared client.
func New() *Driver { return &Driver{client: sharedClient} }

// Stream issues req and returns a channel of uniform StreamEvents in FIFO
// order, ending with exactly one Done or Error event.
func (d *Driver) Stream(ctx context.Context, req Request) (<-chan ai.StreamEvent, error) {
	out := make(chan ai.StreamEvent, 64)
	go d.run(ctx, req, out)
	return out, nil
}

func (d *Driver) run(ctx context.Context, req Request, out chan<- ai.StreamEvent) {
	defer close(out)

	// Carried across in-stream retries: a retried attempt re-parses from a
	// fresh codec state, so without this a second TextStart would be
	// emitted. Delivery of text deltas across a mid-stream retry is
	// at-least-once; TextStart stays exactly-once.
	textStarted := false

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				out <- ai.StreamEvent{Type: ai.EventTypeError, Error: ctx.Err()}
				return
			case <-time.After(retryBackoff(attempt - 1)):
			}
		}

		done, err := d.attempt(ctx, req, out, &textStarted)
		if done {
			return
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
		logging.Warnf("stream: transient error on attempt %d/%d: %v", attempt+1, maxRetries+1, err)
	}

	out <- ai.StreamEvent{Type: ai.EventTypeError, Error: &ai.TransportError{Err: fmt.Errorf("exhausted retries: %w", lastErr)}}
}

// attempt runs one connect+read cycle. It returns done=true once the stream
// has delivered a terminal event (Done or a non-retryable Error) to the
// caller; done=false with a non-nil err hands the failure back to run,
// which retries it only when isTransient reports it retryable.
func (d *Driver) attempt(ctx context.Context, req Request, out chan<- ai.StreamEvent, textStarted *bool) (done bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return false, err // connect error: retryable
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		out <- ai.StreamEvent{Type: ai.EventTypeError, Error: &ai.UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}}
		return true, nil
	}

	return d.drain(ctx, resp.Body, req.Codec, out, textStarted)
}

// drain frames the response body into SSE events and pushes the codec's
// uniform events to out, honoring the per-chunk inactivity timeout.
func (d *Driver) drain(ctx context.Context, body io.Reader, codec ai.Codec, out chan<- ai.StreamEvent, textStarted *bool) (done bool, err error) {
	st := ai.NewProtocolStreamState()
	st.TextStarted = *textStarted
	tr := &timedReader{r: body, timeout: inactivityTimeout}
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	sawDone := false

	emit := func(ev ai.StreamEvent) {
		out <- ev
		switch ev.Type {
		case ai.EventTypeDone:
			sawDone = true
		case ai.EventTypeTextStart:
			*textStarted = true
		}
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		n, readErr := tr.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frame, rest, ok := splitFrame(buf)
				if !ok {
					break
				}
				buf = rest
				eventName, data, hasData := parseFrame(frame)
				if !hasData {
					continue
				}
				if ev, ok := codec.ParseSSEEvent(eventName, data, st); ok {
					emit(ev)
				}
				for _, extra := range st.Drain() {
					emit(extra)
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				if !sawDone {
					emit(ai.StreamEvent{Type: ai.EventTypeDone, FinishReason: st.FinishReason})
				}
				return true, nil
			}
			if isIdleTimeout(readErr) || isTransientReadErr(readErr) {
				return false, readErr // retryable
			}
			out <- ai.StreamEvent{Type: ai.EventTypeError, Error: readErr}
			return true, nil
		}
	}
}

// splitFrame extracts the next complete SSE frame from buf, preferring a
// "\r\n\r\n" delimiter over "\n\n".
func splitFrame(buf []byte) (frame, rest []byte, ok bool) {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return buf[:i], buf[i+4:], true
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return buf[:i], buf[i+2:], true
	}
	return nil, buf, false
}

// parseFrame splits one SSE frame into its event name (if any) and joined
// data payload.
func parseFrame(frame []byte) (eventName, data string, hasData bool) {
	var dataLines []string
	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(line, "data:")
			payload = strings.TrimPrefix(payload, " ")
			dataLines = append(dataLines, payload)
		}
	}
	if len(dataLines) == 0 {
		return eventName, "", false
	}
	return eventName, strings.Join(dataLines, "\n"), true
}

var errIdleTimeout error = &ai.TimeoutError{Msg: "stream: read idle timeout"}

// timedReader wraps an io.Reader with a per-Read deadline so a stalled
// upstream cannot hold a stream open indefinitely.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

func isIdleTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), "idle timeout")
}

// isTransientReadErr matches the "error decoding response body" class of
// transient stream errors calls out for in-stream retry.
func isTransientReadErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "error decoding response body") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "connection reset")
}

// isTransient reports whether err is in the retryable set: the idle-timeout
// sentinel, the transient body-read class, or a network-level failure
// (dial/DNS/socket timeout). Cancellation and non-network failures (bad
// URL, unsupported scheme) surface without further attempts. client.Do
// wraps everything in *url.Error — which itself satisfies net.Error — so
// classification happens on the unwrapped cause.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if isIdleTimeout(err) || isTransientReadErr(err) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
