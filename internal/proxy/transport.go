package proxy

import (
	"net/http"
	"time"
)

// TransportConfig holds the tunables for the shared upstream transport.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// NewUpstreamTransport builds the shared transport used to reach target
// URLs. Connections are pooled per host; redirects and cookies are the
// caller's concern (the forwarder relays responses verbatim).
func NewUpstreamTransport(cfg TransportConfig) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = cfg.MaxIdleConns
	t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	t.IdleConnTimeout = cfg.IdleConnTimeout
	return t
}
