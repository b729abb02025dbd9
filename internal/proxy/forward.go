package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Forwarder relays a client request to a resolved target URL over a shared
// transport and streams the response back verbatim.
type Forwarder struct {
	transport http.RoundTripper
	timeout   time.Duration
}

// NewForwarder creates a forwarder. timeout bounds the full upstream
// exchange (dial, request, response headers and body).
func NewForwarder(transport http.RoundTripper, timeout time.Duration) *Forwarder {
	return &Forwarder{transport: transport, timeout: timeout}
}

// hop-by-hop headers that must not be forwarded to the next hop.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHopHeaders removes hop-by-hop headers from a header map,
// including any headers listed in the Connection header.
func stripHopByHopHeaders(header http.Header) {
	if header == nil {
		return
	}
	for _, connHeaders := range header.Values("Connection") {
		for _, h := range strings.Split(connHeaders, ",") {
			if h = strings.TrimSpace(h); h != "" {
				header.Del(h)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
}

// copyEndToEndHeaders copies only end-to-end headers from src to dst.
func copyEndToEndHeaders(dst, src http.Header) {
	if dst == nil || src == nil {
		return
	}
	headers := src.Clone()
	stripHopByHopHeaders(headers)
	for k, vv := range headers {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// buildUpstreamRequest rewrites the inbound request for the target URL.
// Method and body carry over; hop-by-hop headers and proxy identity
// headers are stripped, and Host follows the target.
func (f *Forwarder) buildUpstreamRequest(ctx context.Context, r *http.Request, target *url.URL) (*http.Request, error) {
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	copyEndToEndHeaders(out.Header, r.Header)
	out.Header.Del("X-Poison-Error")
	out.Header.Del("X-Poison-Synthetic")
	out.Host = target.Host
	if r.ContentLength >= 0 {
		out.ContentLength = r.ContentLength
	}
	return out, nil
}

// Forward relays r to targetURL and writes the upstream response to w.
// It returns the HTTP status written to the client, or 0 when the client
// cancelled before any response was produced.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, targetURL string) (int, *ProxyError) {
	target, err := url.Parse(targetURL)
	if err != nil {
		writeProxyError(w, ErrInvalidTargetURL)
		return ErrInvalidTargetURL.HTTPCode, ErrInvalidTargetURL
	}

	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()

	out, err := f.buildUpstreamRequest(ctx, r, target)
	if err != nil {
		writeProxyError(w, ErrInternalError)
		return ErrInternalError.HTTPCode, ErrInternalError
	}

	resp, err := f.transport.RoundTrip(out)
	if err != nil {
		proxyErr := classifyUpstreamError(err)
		if proxyErr == nil {
			// Client went away, nothing to write.
			return 0, nil
		}
		writeProxyError(w, proxyErr)
		return proxyErr.HTTPCode, proxyErr
	}
	defer resp.Body.Close()

	copyEndToEndHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	// Streamed; a mid-body failure cannot change the already-written status.
	io.Copy(w, resp.Body)
	return resp.StatusCode, nil
}
