// Package dns implements the query pipeline and the UDP/TCP listener.
// Each query runs through policy, cache and upstream dispatch, and
// every outcome produces a log entry and a bus event.
package dns

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"dnsgate/pkg/cache"
	"dnsgate/pkg/codec"
	"dnsgate/pkg/driver"
	"dnsgate/pkg/events"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/policy"
	"dnsgate/pkg/telemetry"
	"dnsgate/pkg/upstream"
)

// blockTTL is the answer TTL for synthesized zero-IP block responses.
const blockTTL = 300

// Settings are the per-query pipeline switches. They swap atomically
// on configuration updates so in-flight queries see a consistent view.
type Settings struct {
	// AllowlistEnabled turns allowlist short-circuiting on
	AllowlistEnabled bool

	// BlockResponse selects the denied-query shape: "nxdomain" or "zero-ip"
	BlockResponse string
}

// logBox wraps the log store so it can sit behind an atomic pointer
// and be swapped at runtime.
type logBox struct {
	store driver.LogStore
}

// Handler is the resolver pipeline: rules, allowlist, denylist, cache,
// then upstream dispatch.
type Handler struct {
	Decider  *policy.Decider
	Cache    *cache.Engine
	Selector *upstream.Selector
	Bus      *events.Bus
	Metrics  *telemetry.Metrics
	Logger   *logging.Logger

	logs     atomic.Pointer[logBox]
	settings atomic.Pointer[Settings]
}

// NewHandler creates a handler over the given pipeline stages.
func NewHandler(decider *policy.Decider, engine *cache.Engine, selector *upstream.Selector, bus *events.Bus) *Handler {
	h := &Handler{
		Decider:  decider,
		Cache:    engine,
		Selector: selector,
		Bus:      bus,
		Logger:   logging.Global(),
	}
	h.settings.Store(&Settings{BlockResponse: "nxdomain"})
	h.logs.Store(&logBox{})
	return h
}

// SetLogStore installs the log store and returns the previous one.
func (h *Handler) SetLogStore(store driver.LogStore) driver.LogStore {
	old := h.logs.Swap(&logBox{store: store})
	return old.store
}

// LogStore returns the active log store, which may be nil.
func (h *Handler) LogStore() driver.LogStore {
	return h.logs.Load().store
}

// SetSettings swaps the pipeline switches.
func (h *Handler) SetSettings(s Settings) {
	h.settings.Store(&s)
}

// Settings returns the active pipeline switches.
func (h *Handler) Settings() Settings {
	return *h.settings.Load()
}

// writeMsg writes a response, ignoring write errors: the client is
// already gone and there is nobody left to tell.
func (h *Handler) writeMsg(w dns.ResponseWriter, msg *dns.Msg) {
	_ = w.WriteMsg(msg)
}

// Handle runs one query through the pipeline and writes the response.
// The response always carries the query's transaction id.
func (h *Handler) Handle(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) {
	start := time.Now()
	client := clientAddr(w)
	transport := transportOf(w)

	if len(r.Question) != 1 {
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeFormatError)
		h.writeMsg(w, msg)
		h.logQuery(driver.LogEntry{
			Kind:       "query",
			Level:      "warn",
			Timestamp:  start,
			Message:    "rejected query without exactly one question",
			ClientAddr: client,
			Transport:  transport,
		}, start)
		return
	}

	q := r.Question[0]
	domain := codec.CanonicalName(q.Name)
	qtype := codec.TypeLabel(q.Qtype)

	entry := driver.LogEntry{
		Kind:       "query",
		Level:      "info",
		Timestamp:  start,
		Domain:     domain,
		QueryType:  qtype,
		ClientAddr: client,
		Transport:  transport,
	}

	st := h.settings.Load()
	decision := h.Decider.Decide(ctx, policy.RuleInput{
		Domain: domain,
		Type:   qtype,
		Client: client,
	}, st.AllowlistEnabled)

	if decision.Blocked() {
		msg := h.blockResponse(r, st.BlockResponse)
		h.writeMsg(w, msg)

		entry.Blocked = true
		entry.Success = true
		if decision.Rule != "" {
			entry.Message = "blocked by rule " + decision.Rule
		}
		if h.Metrics != nil {
			h.Metrics.RecordBlocked(ctx, qtype)
		}
		h.logQuery(entry, start)
		return
	}
	entry.Whitelisted = decision.Whitelisted()
	if entry.Whitelisted && h.Metrics != nil {
		h.Metrics.RecordWhitelisted(ctx, qtype)
	}

	// fetch may run on a singleflight goroutine, and twice when a
	// shared wait times out, so the outcome fields take a lock.
	var fmu sync.Mutex
	var provider string
	var dispatchErr error
	fetch := func(fctx context.Context) (*dns.Msg, error) {
		packet, err := codec.Encode(r)
		if err != nil {
			return nil, err
		}
		respPacket, name, err := h.Selector.Resolve(fctx, packet)
		fmu.Lock()
		provider = name
		if err != nil {
			// All providers down: the selector synthesizes a
			// SERVFAIL which goes to the client but never the cache
			dispatchErr = err
		}
		fmu.Unlock()
		if err != nil && respPacket == nil {
			return nil, err
		}
		return codec.Decode(respPacket)
	}

	resp, cached, err := h.Cache.Resolve(ctx, r, fetch)
	fmu.Lock()
	if err != nil {
		resp = codec.ServfailFor(r)
		dispatchErr = err
	}
	upstreamName := provider
	upstreamErr := dispatchErr
	fmu.Unlock()
	h.writeMsg(w, resp)

	entry.Cached = cached
	entry.Provider = upstreamName
	entry.Success = upstreamErr == nil && resp.Rcode != dns.RcodeServerFailure
	if upstreamErr != nil {
		entry.Level = "error"
		entry.Error = upstreamErr.Error()
	}
	if h.Metrics != nil {
		h.Metrics.RecordCacheLookup(ctx, cached)
		if upstreamErr != nil {
			h.Metrics.RecordUpstreamFailure(ctx, upstreamName)
		}
	}
	h.logQuery(entry, start)
}

// blockResponse shapes the denied-query answer.
func (h *Handler) blockResponse(r *dns.Msg, shape string) *dns.Msg {
	if shape == "zero-ip" {
		return codec.ZeroAnswerFor(r, blockTTL)
	}
	return codec.NxdomainFor(r)
}

// logQuery stamps the response time, appends the entry to the log
// store off the hot path, and publishes it on the bus.
func (h *Handler) logQuery(entry driver.LogEntry, start time.Time) {
	entry.ResponseTimeMs = float64(time.Since(start).Microseconds()) / 1000

	if h.Bus != nil {
		h.Bus.Publish(events.TopicLogEvent, entry)
	}

	store := h.LogStore()
	if store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := store.Append(ctx, entry); err != nil {
			h.Logger.Error("Failed to append query log",
				"domain", entry.Domain,
				"error", err)
		}
	}()
}

// clientAddr extracts the client IP from the response writer, without
// the port. Falls back to the raw address when it does not split.
func clientAddr(w dns.ResponseWriter) string {
	addr := w.RemoteAddr()
	if addr == nil {
		return "unknown"
	}
	if host, ok := splitHost(addr.String()); ok {
		return host
	}
	return addr.String()
}

func splitHost(s string) (string, bool) {
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return "", false
	}
	return host, true
}

// transportOf reports the transport the query arrived over.
func transportOf(w dns.ResponseWriter) string {
	if addr := w.RemoteAddr(); addr != nil {
		return addr.Network()
	}
	return "udp"
}
