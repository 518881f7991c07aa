// Package httpproxy implements the HTTP Proxy (K): shared URL validation and
// an SSRF guard. The webFetch and githubPR tools fetch through it and
// webSearch runs its URL check; other outbound calls use their own clients.
package httpproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nebolabs/nebo/internal/logging"
)

// Request describes an outbound fetch through the proxy.
type Request struct {
	Method         string
	URL            string
	Headers        map[string]string
	Body           io.Reader
	AllowPrivateIP bool
}

// Response is the result of a non-streaming proxy_fetch.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ChunkEvent is emitted during a stream_fetch.
type ChunkEvent struct {
	RequestID string
	Chunk     []byte
	Done      bool
	Status    int
	Error     string
}

var blockedNets = func() []*net.IPNet {
	cidrs := []string{
		"127.0.0.0/8",        // loopback
		"10.0.0.0/8",         // RFC 1918 private
		"172.16.0.0/12",      // RFC 1918 private
		"192.168.0.0/16",     // RFC 1918 private
		"169.254.0.0/16",     // link-local
		"0.0.0.0/8",          // unspecified / "this network"
		"100.64.0.0/10",      // carrier-grade NAT (shared address space)
		"192.0.0.0/24",       // IETF protocol assignments
		"192.0.2.0/24",       // documentation (TEST-NET-1)
		"198.51.100.0/24",    // documentation (TEST-NET-2)
		"203.0.113.0/24",     // documentation (TEST-NET-3)
		"198.18.0.0/15",      // benchmarking
		"224.0.0.0/4",        // multicast
		"255.255.255.255/32", // broadcast
		"::1/128",            // IPv6 loopback
		"::/128",             // IPv6 unspecified
		"fc00::/7",           // IPv6 unique local (ULA)
		"fe80::/10",          // IPv6 link-local
		"2001:db8::/32",      // IPv6 documentation
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}()

// IsLoopbackHost reports whether hostname is any form of loopback/localhost,
// which passes through unconditionally.
func IsLoopbackHost(hostname string) bool {
	h := strings.ToLower(hostname)
	if h == "localhost" {
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// isBlockedIP reports whether ip falls within any blocked range: private,
// link-local, broadcast, documentation, unspecified or ULA/IPv6 link-local.
func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateURL performs pre-flight SSRF validation: only http/https schemes;
// loopback hostnames pass through unconditionally; every resolved IP of any
// other host is rejected if private/link-local/broadcast/documentation/
// unspecified/ULA, unless allowPrivateIP is set.
func ValidateURL(rawURL string, allowPrivateIP bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("blocked: scheme %q not allowed (only http/https)", u.Scheme)
	}
	hostname := u.Hostname()
	if hostname == "" {
		return fmt.Errorf("blocked: empty hostname")
	}
	if IsLoopbackHost(hostname) {
		return nil
	}
	if allowPrivateIP {
		return nil
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return fmt.Errorf("DNS resolution failed for %q: %w", hostname, err)
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked: %q resolves to disallowed IP %s", hostname, ip)
		}
	}
	return nil
}

// safeDialContext re-validates the resolved IP at connection time, closing
// the DNS-rebinding gap between pre-flight validation and the real connect.
func safeDialContext(allowPrivateIP bool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		if allowPrivateIP || IsLoopbackHost(host) {
			return dialer.DialContext(ctx, network, addr)
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("DNS resolution failed: %w", err)
		}
		for _, ipAddr := range ips {
			if isBlockedIP(ipAddr.IP) {
				return nil, fmt.Errorf("SSRF blocked: %q resolved to disallowed IP %s at connect time", host, ipAddr.IP)
			}
		}
		var lastErr error
		for _, ipAddr := range ips {
			target := net.JoinHostPort(ipAddr.IP.String(), port)
			conn, dialErr := dialer.DialContext(ctx, network, target)
			if dialErr == nil {
				return conn, nil
			}
			lastErr = dialErr
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no addresses resolved for %q", host)
		}
		return nil, lastErr
	}
}

func safeClient(allowPrivateIP bool) *http.Client {
	transport := &http.Transport{DialContext: safeDialContext(allowPrivateIP)}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return ValidateURL(req.URL.String(), allowPrivateIP)
		},
	}
}

// Fetch performs a single, fully-buffered request (proxy_fetch).
func Fetch(ctx context.Context, req Request) (*Response, error) {
	if err := ValidateURL(req.URL, req.AllowPrivateIP); err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "nebo/1.0")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := safeClient(req.AllowPrivateIP).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// StreamFetch performs a request and emits ChunkEvent values on emit as the
// body is read, followed by a terminal done event. Chunk reads honor a 300s
// inactivity timeout with up to 3 consecutive retries before failing.
func StreamFetch(ctx context.Context, requestID string, req Request, emit func(ChunkEvent)) error {
	if err := ValidateURL(req.URL, req.AllowPrivateIP); err != nil {
		emit(ChunkEvent{RequestID: requestID, Done: true, Error: err.Error()})
		return err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, req.Body)
	if err != nil {
		emit(ChunkEvent{RequestID: requestID, Done: true, Error: err.Error()})
		return err
	}
	httpReq.Header.Set("User-Agent", "nebo/1.0")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := safeClient(req.AllowPrivateIP).Do(httpReq)
	if err != nil {
		emit(ChunkEvent{RequestID: requestID, Done: true, Error: err.Error()})
		return err
	}
	defer resp.Body.Close()

	buf := make([]byte, 32*1024)
	retries := 0
	type chunkRead struct {
		n   int
		err error
	}
	var inflight chan chunkRead
	for {
		select {
		case <-ctx.Done():
			emit(ChunkEvent{RequestID: requestID, Done: true, Error: ctx.Err().Error()})
			return ctx.Err()
		default:
		}

		if inflight == nil {
			inflight = make(chan chunkRead, 1)
			go func(c chan chunkRead) { n, err := resp.Body.Read(buf); c <- chunkRead{n, err} }(inflight)
		}
		n, readErr := 0, error(nil)
		select {
		case r := <-inflight:
			inflight, n, readErr = nil, r.n, r.err
		case <-time.After(300 * time.Second):
			readErr = fmt.Errorf("chunk read timed out after 300s")
		}
		if n > 0 {
			retries = 0
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			emit(ChunkEvent{RequestID: requestID, Chunk: chunk, Status: resp.StatusCode})
		}
		if readErr == io.EOF {
			emit(ChunkEvent{RequestID: requestID, Done: true, Status: resp.StatusCode})
			return nil
		}
		if readErr != nil {
			retries++
			if retries > 3 {
				emit(ChunkEvent{RequestID: requestID, Done: true, Error: readErr.Error(), Status: resp.StatusCode})
				return readErr
			}
			logging.Infof("httpproxy: chunk read retry %d/3 for %s: %v", retries, requestID, readErr)
			continue
		}
	}
}
