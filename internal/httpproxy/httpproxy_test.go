package httpproxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsBlockedIP(t *testing.T) {
	blocked := []string{
		"10.0.0.1",
		"172.16.5.5",
		"192.168.1.1",
		"169.254.169.254", // link-local / cloud metadata
		"0.0.0.0",
		"100.64.0.1",         // CGNAT
		"192.0.2.1",          // TEST-NET-1
		"198.51.100.7",       // TEST-NET-2
		"203.0.113.9",        // TEST-NET-3
		"255.255.255.255",    // broadcast
		"224.0.0.1",          // multicast
		"::",                 // unspecified
		"fc00::1",            // ULA
		"fe80::1",            // IPv6 link-local
		"2001:db8::1",        // IPv6 documentation
		"::ffff:192.168.0.1", // IPv4-mapped private
	}
	for _, s := range blocked {
		ip := net.ParseIP(s)
		require.NotNil(t, ip, s)
		assert.True(t, isBlockedIP(ip), s)
	}

	allowed := []string{"8.8.8.8", "1.1.1.1", "140.82.112.3", "2606:4700::1111"}
	for _, s := range allowed {
		assert.False(t, isBlockedIP(net.ParseIP(s)), s)
	}
}

func TestValidateURLSchemes(t *testing.T) {
	assert.Error(t, ValidateURL("ftp://example.com/file", false))
	assert.Error(t, ValidateURL("file:///etc/passwd", false))
	assert.Error(t, ValidateURL("gopher://example.com", false))
	assert.NoError(t, ValidateURL("https://example.com", false))
}

func TestValidateURLLoopbackPassesThrough(t *testing.T) {
	assert.NoError(t, ValidateURL("http://localhost:8080/x", false))
	assert.NoError(t, ValidateURL("http://127.0.0.1:9999", false))
	assert.NoError(t, ValidateURL("http://[::1]:3000", false))
}

func TestValidateURLBlocksPrivateLiterals(t *testing.T) {
	assert.Error(t, ValidateURL("http://192.168.1.1/admin", false))
	assert.Error(t, ValidateURL("http://10.0.0.5", false))
	assert.Error(t, ValidateURL("http://169.254.169.254/latest/meta-data/", false))
	assert.Error(t, ValidateURL("http://[fe80::1]/x", false))

	// The explicit override admits them.
	assert.NoError(t, ValidateURL("http://192.168.1.1/admin", true))
}

func TestFetchAgainstLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "proxied body")
	}))
	defer srv.Close()

	resp, err := Fetch(context.Background(), Request{Method: "GET", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "proxied body", string(resp.Body))
}

func TestStreamFetchEmitsChunksAndEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "part1")
		flusher.Flush()
		fmt.Fprint(w, "part2")
	}))
	defer srv.Close()

	var chunks []ChunkEvent
	err := StreamFetch(context.Background(), "req-1", Request{Method: "GET", URL: srv.URL}, func(ev ChunkEvent) {
		chunks = append(chunks, ev)
	})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	last := chunks[len(chunks)-1]
	assert.True(t, last.Done)
	assert.Equal(t, "req-1", last.RequestID)
	assert.Equal(t, http.StatusOK, last.Status)

	var body string
	for _, c := range chunks {
		body += string(c.Chunk)
	}
	assert.Equal(t, "part1part2", body)
}
