package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"

	"dnsgate/pkg/codec"
	"dnsgate/pkg/driver"
	"dnsgate/pkg/events"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/telemetry"
)

const (
	// queryTimeout bounds one query through the whole pipeline
	queryTimeout = 5 * time.Second

	// maxInflight bounds concurrently handled queries
	maxInflight = 1024
)

// ErrAlreadyRunning indicates a Start on a running listener.
var ErrAlreadyRunning = errors.New("dns server already running")

// Server is the UDP/TCP listener in front of the handler. Listeners
// bind synchronously in Start so bind failures surface to the caller.
type Server struct {
	addr      string
	enableTCP bool
	handler   *Handler
	bus       *events.Bus
	metrics   *telemetry.Metrics
	logger    *logging.Logger
	sem       *semaphore.Weighted

	mu      sync.Mutex
	udp     *dns.Server
	tcp     *dns.Server
	running bool
}

// NewServer creates a listener on addr. TCP is optional; UDP always
// serves.
func NewServer(addr string, enableTCP bool, handler *Handler, bus *events.Bus, metrics *telemetry.Metrics) *Server {
	return &Server{
		addr:      addr,
		enableTCP: enableTCP,
		handler:   handler,
		bus:       bus,
		metrics:   metrics,
		logger:    logging.Global(),
		sem:       semaphore.NewWeighted(maxInflight),
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// LocalAddr returns the bound UDP address, or nil when not running.
// Differs from Addr when the configured port is 0.
func (s *Server) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil || s.udp.PacketConn == nil {
		return nil
	}
	return s.udp.PacketConn.LocalAddr()
}

// Running reports whether the listeners are up.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start binds the listeners and begins serving. It returns once the
// sockets are bound; serving continues until Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("udp listen on %s: %w", s.addr, err)
	}
	s.udp = &dns.Server{
		PacketConn:     pc,
		Net:            "udp",
		Handler:        dns.HandlerFunc(s.serveDNS),
		MsgInvalidFunc: s.msgInvalid,
	}

	if s.enableTCP {
		l, err := net.Listen("tcp", s.addr)
		if err != nil {
			_ = pc.Close()
			s.udp = nil
			return fmt.Errorf("tcp listen on %s: %w", s.addr, err)
		}
		s.tcp = &dns.Server{
			Listener:       l,
			Net:            "tcp",
			Handler:        dns.HandlerFunc(s.serveDNS),
			MsgInvalidFunc: s.msgInvalid,
		}
	}

	go s.serve(s.udp, "udp")
	if s.tcp != nil {
		go s.serve(s.tcp, "tcp")
	}

	s.running = true
	s.logger.Info("DNS server started", "address", s.addr, "tcp", s.enableTCP)
	return nil
}

// serve runs one listener until shutdown. An unexpected exit is a
// crash and goes out on the status topic.
func (s *Server) serve(srv *dns.Server, transport string) {
	if err := srv.ActivateAndServe(); err != nil {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			return
		}
		s.logger.Error("DNS listener failed", "transport", transport, "error", err)
		if s.bus != nil {
			s.bus.Publish(events.TopicStatus, map[string]any{
				"state":     "crashed",
				"transport": transport,
				"error":     err.Error(),
			})
		}
	}
}

// Shutdown stops the listeners, waiting for in-flight queries up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	var errs []error
	if s.udp != nil {
		if err := s.udp.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("udp shutdown: %w", err))
		}
		s.udp = nil
	}
	if s.tcp != nil {
		if err := s.tcp.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tcp shutdown: %w", err))
		}
		s.tcp = nil
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("DNS server stopped", "address", s.addr)
	return nil
}

// serveDNS admits one query under the concurrency bound, stamps the
// per-query deadline and hands off to the pipeline.
func (s *Server) serveDNS(w dns.ResponseWriter, r *dns.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		// Saturated past the deadline; refuse rather than queue forever
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeRefused)
		_ = w.WriteMsg(msg)
		return
	}
	defer s.sem.Release(1)

	start := time.Now()
	if s.metrics != nil {
		qtype := ""
		if len(r.Question) > 0 {
			qtype = codec.TypeLabel(r.Question[0].Qtype)
		}
		s.metrics.RecordQuery(ctx, qtype)
		s.metrics.AddActive(ctx, 1)
		defer s.metrics.AddActive(ctx, -1)
		defer func() {
			s.metrics.RecordDuration(ctx, time.Since(start))
		}()
	}

	s.handler.Handle(ctx, w, r)
}

// msgInvalid reports packets that failed to parse at the wire level.
func (s *Server) msgInvalid(m []byte, err error) {
	s.logger.Warn("Dropped malformed packet", "bytes", len(m), "error", err)
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TopicLogEvent, driver.LogEntry{
		Kind:      "server",
		Level:     "error",
		Timestamp: time.Now(),
		Message:   "malformed packet: " + err.Error(),
	})
}
