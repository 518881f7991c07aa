package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebolabs/nebo/internal/agent/ai"
)

func TestSplitFramePrefersCRLF(t *testing.T) {
	// A buffer containing both delimiters: \r\n\r\n wins when it comes
	// first in scan order, and both forms frame correctly.
	frame, rest, ok := splitFrame([]byte("data: a\r\n\r\ndata: b\n\n"))
	require.True(t, ok)
	assert.Equal(t, "data: a", string(frame))

	frame, rest, ok = splitFrame(rest)
	require.True(t, ok)
	assert.Equal(t, "data: b", string(frame))
	assert.Empty(t, rest)

	_, _, ok = splitFrame([]byte("data: incomplete"))
	assert.False(t, ok)
}

func TestParseFrame(t *testing.T) {
	name, data, ok := parseFrame([]byte("event: response.completed\ndata: {\"a\":1}"))
	require.True(t, ok)
	assert.Equal(t, "response.completed", name)
	assert.Equal(t, `{"a":1}`, data)

	// Multiple data lines join with \n; exactly one leading space strips.
	_, data, ok = parseFrame([]byte("data: line1\ndata:  padded"))
	require.True(t, ok)
	assert.Equal(t, "line1\n padded", data)

	// No data line at all.
	_, _, ok = parseFrame([]byte("event: ping"))
	assert.False(t, ok)
}

func collect(t *testing.T, ch <-chan ai.StreamEvent) []ai.StreamEvent {
	t.Helper()
	var out []ai.StreamEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out collecting events")
		}
	}
}

func sseServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDriverStreamsChatCompletion(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"po\"}}]}\r\n\r\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ng\"},\"finish_reason\":\"stop\"}]}\r\n\r\n"
	srv := sseServer(t, body, http.StatusOK)

	ch, err := New().Stream(context.Background(), Request{
		URL:   srv.URL,
		Body:  []byte(`{}`),
		Codec: ai.OpenAIChatCodec{},
	})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 4)
	assert.Equal(t, ai.EventTypeTextStart, events[0].Type)
	assert.Equal(t, "po", events[1].Text)
	assert.Equal(t, "ng", events[2].Text)
	assert.Equal(t, ai.EventTypeDone, events[3].Type)
	assert.Equal(t, "stop", events[3].FinishReason)
}

func TestDriverSynthesizesDoneOnEOF(t *testing.T) {
	// Stream ends without a terminal chunk: the driver synthesises one
	// Done carrying the last observed finish reason (none here).
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"
	srv := sseServer(t, body, http.StatusOK)

	ch, err := New().Stream(context.Background(), Request{URL: srv.URL, Codec: ai.OpenAIChatCodec{}})
	require.NoError(t, err)
	events := collect(t, ch)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, ai.EventTypeDone, last.Type)

	doneCount := 0
	for _, ev := range events {
		if ev.Type == ai.EventTypeDone {
			doneCount++
		}
	}
	assert.Equal(t, 1, doneCount)
}

func TestDriverUpstreamError(t *testing.T) {
	srv := sseServer(t, `{"error":{"message":"nope"}}`, http.StatusUnauthorized)

	ch, err := New().Stream(context.Background(), Request{URL: srv.URL, Codec: ai.OpenAIChatCodec{}})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1)
	assert.Equal(t, ai.EventTypeError, events[0].Type)
	var upstream *ai.UpstreamError
	require.ErrorAs(t, events[0].Error, &upstream)
	assert.Equal(t, http.StatusUnauthorized, upstream.StatusCode)
	assert.Contains(t, upstream.Body, "nope")
}

func TestDriverEventSplitAcrossChunks(t *testing.T) {
	// An SSE event split across two response writes must reassemble.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"con")
		flusher.Flush()
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, "tent\":\"whole\"}}]}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	ch, err := New().Stream(context.Background(), Request{URL: srv.URL, Codec: ai.OpenAIChatCodec{}})
	require.NoError(t, err)
	events := collect(t, ch)

	var text string
	for _, ev := range events {
		if ev.Type == ai.EventTypeText {
			text += ev.Text
		}
	}
	assert.Equal(t, "whole", text)
}

func TestDriverHeadersApplied(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
	}))
	defer srv.Close()

	ch, err := New().Stream(context.Background(), Request{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer sk-test"},
		Codec:   ai.OpenAIChatCodec{},
	})
	require.NoError(t, err)
	collect(t, ch)
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

func TestIsTransientClassification(t *testing.T) {
	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(context.Canceled))

	// Retryable: idle timeout, transient body reads, network-level failures.
	assert.True(t, isTransient(errIdleTimeout))
	assert.True(t, isTransient(errors.New("unexpected EOF")))
	assert.True(t, isTransient(&url.Error{
		Op: "Post", URL: "http://x",
		Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")},
	}))
	assert.True(t, isTransient(&url.Error{
		Op: "Post", URL: "http://x",
		Err: &net.DNSError{Err: "no such host", Name: "x"},
	}))

	// Not retryable: a client.Do failure that is not a network error, even
	// though *url.Error itself satisfies net.Error.
	assert.False(t, isTransient(&url.Error{
		Op: "Post", URL: "ftp://x",
		Err: errors.New(`unsupported protocol scheme "ftp"`),
	}))
	// A cancellation wrapped by client.Do stays non-retryable.
	assert.False(t, isTransient(&url.Error{Op: "Post", URL: "http://x", Err: context.Canceled}))
}

func TestCheckPlatformJWT(t *testing.T) {
	// Expired token (exp in the past), unsigned-but-well-formed.
	expired := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." + // {"alg":"HS256","typ":"JWT"}
		"eyJleHAiOjF9." + // {"exp":1}
		"c2ln" // signature is not verified
	assert.Error(t, checkPlatformJWT(expired))
	assert.Error(t, checkPlatformJWT("not-a-jwt"))
}
