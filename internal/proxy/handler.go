package proxy

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/latencypoison/poisond/internal/chaos"
	"github.com/latencypoison/poisond/internal/geoip"
	"github.com/latencypoison/poisond/internal/keystore"
	"github.com/latencypoison/poisond/internal/model"
	"github.com/latencypoison/poisond/internal/quota"
	"github.com/latencypoison/poisond/internal/ratelimit"
	"github.com/latencypoison/poisond/internal/rule"
	"github.com/latencypoison/poisond/internal/usagelog"
)

// clientIP extracts the bare IP from an http.Request RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeSyntheticFailure writes an injected failure response. The marker
// header lets dashboards separate injected chaos from real upstream outages.
func writeSyntheticFailure(w http.ResponseWriter, statusCode int) {
	w.Header().Set("X-Poison-Synthetic", "1")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	fmt.Fprintf(w, "%d %s", statusCode, http.StatusText(statusCode))
}

// SandboxHandler serves GET /sandbox: ephemeral, keyless simulation driven
// entirely by query parameters.
type SandboxHandler struct {
	resolver  *rule.Resolver
	limiter   ratelimit.Limiter
	forwarder *Forwarder
}

// NewSandboxHandler creates the sandbox handler.
func NewSandboxHandler(resolver *rule.Resolver, limiter ratelimit.Limiter, forwarder *Forwarder) *SandboxHandler {
	return &SandboxHandler{resolver: resolver, limiter: limiter, forwarder: forwarder}
}

func (h *SandboxHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil {
		allowed, err := h.limiter.Allow(r.Context(), clientIP(r))
		if err != nil {
			// Limiter backend trouble must not take the sandbox down.
			log.Printf("[proxy] sandbox rate limiter error: %v", err)
		} else if !allowed {
			writeProxyError(w, ErrRateLimited)
			return
		}
	}

	simRule, err := h.resolver.ResolveSandbox(r.URL.Query())
	if err != nil {
		writeProxyError(w, mapResolveError(err))
		return
	}

	decision := chaos.Decide(simRule)
	if err := chaos.Sleep(r.Context(), decision.DelayMs); err != nil {
		return // client gone mid-delay
	}

	if decision.WillFail {
		writeSyntheticFailure(w, decision.StatusCode)
		return
	}
	h.forwarder.Forward(w, r, simRule.TargetURL)
}

// KeyHandler serves ANY /{key} and ANY /{key}/{rest...}: persisted rule
// routing with quota enforcement and usage recording.
type KeyHandler struct {
	resolver  *rule.Resolver
	gate      *quota.Gate
	forwarder *Forwarder
	usage     *usagelog.Service
	geo       *geoip.Resolver
}

// NewKeyHandler creates the key-routing handler. geo may be nil.
func NewKeyHandler(resolver *rule.Resolver, gate *quota.Gate, forwarder *Forwarder, usage *usagelog.Service, geo *geoip.Resolver) *KeyHandler {
	return &KeyHandler{resolver: resolver, gate: gate, forwarder: forwarder, usage: usage, geo: geo}
}

// joinTarget appends the rest path and the inbound query string to the
// stored target URL.
func joinTarget(base, rest, rawQuery string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if rest != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(rest, "/")
	}
	if rawQuery != "" {
		if u.RawQuery != "" {
			u.RawQuery += "&" + rawQuery
		} else {
			u.RawQuery = rawQuery
		}
	}
	return u.String(), nil
}

// methodAllowed reports whether the stored method restriction admits the
// request method. An empty or "ANY" restriction admits everything.
func methodAllowed(restriction, method string) bool {
	return restriction == "" || strings.EqualFold(restriction, "ANY") || strings.EqualFold(restriction, method)
}

func (h *KeyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("key")
	rest := r.PathValue("rest")

	simRule, cfgKey, err := h.resolver.ResolveKey(slug)
	if err != nil {
		pe := mapResolveError(err)
		if pe == ErrInternalError {
			log.Printf("[proxy] resolve key %s: %v", keystore.RedactSlug(slug), err)
		}
		writeProxyError(w, pe)
		return
	}

	if !methodAllowed(cfgKey.Method, r.Method) {
		writeProxyError(w, ErrMethodNotAllowed)
		return
	}

	// Quota is checked before the decision engine runs, so a rejected
	// request never produces a usage entry and never counts toward usage.
	if err := h.gate.Admit(cfgKey.OwnerID, time.Now()); err != nil {
		writeProxyError(w, mapQuotaError(err))
		return
	}

	target, err := joinTarget(simRule.TargetURL, rest, r.URL.RawQuery)
	if err != nil {
		writeProxyError(w, ErrInvalidTargetURL)
		return
	}

	start := time.Now()
	decision := chaos.Decide(simRule)
	if err := chaos.Sleep(r.Context(), decision.DelayMs); err != nil {
		return // client gone mid-delay; nothing reached the wire
	}

	var status int
	synthetic := false
	if decision.WillFail {
		status = decision.StatusCode
		synthetic = true
		writeSyntheticFailure(w, status)
	} else {
		status, _ = h.forwarder.Forward(w, r, target)
		if status == 0 {
			return // client cancelled before a response was produced
		}
	}

	h.usage.Record(model.UsageEntry{
		KeyID:             cfgKey.ID,
		OwnerID:           cfgKey.OwnerID,
		TsNs:              start.UnixNano(),
		ResultingStatus:   status,
		ObservedLatencyMs: time.Since(start).Milliseconds(),
		SyntheticFailure:  synthetic,
		ClientCountry:     h.geo.Country(clientIP(r)),
	})
}
