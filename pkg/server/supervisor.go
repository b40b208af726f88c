// Package server supervises the resolver: it owns the driver set, the
// pipeline and the listener, and exposes the control operations
// (start, stop, driver swap, configuration update).
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"dnsgate/pkg/cache"
	"dnsgate/pkg/config"
	dnssrv "dnsgate/pkg/dns"
	"dnsgate/pkg/driver"
	"dnsgate/pkg/events"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/policy"
	"dnsgate/pkg/telemetry"
	"dnsgate/pkg/upstream"
)

var (
	// ErrPortPrivilege indicates a privileged port without the
	// privileges to bind it
	ErrPortPrivilege = errors.New("binding a port below 1024 requires root")

	// ErrDriverSwap indicates a swap whose replacement driver could
	// not be constructed; the previous driver stays active
	ErrDriverSwap = errors.New("driver swap failed")

	// ErrAlreadyRunning indicates a Start while running
	ErrAlreadyRunning = errors.New("resolver already running")
)

// stopGrace bounds how long Stop waits for in-flight queries.
const stopGrace = time.Second

// Supervisor wires drivers, pipeline and listener together and
// mediates every control operation.
type Supervisor struct {
	mu      sync.Mutex
	cfg     *config.Config
	cfgPath string

	bus     *events.Bus
	metrics *telemetry.Metrics
	logger  *logging.Logger

	engine  *cache.Engine
	decider *policy.Decider
	handler *dnssrv.Handler

	srv         *dnssrv.Server
	sweepCancel context.CancelFunc
	startedAt   time.Time
}

// New builds the full pipeline from configuration. Driver
// construction failures and bad rule expressions are fatal here;
// there is nothing sensible to serve without them.
func New(cfg *config.Config, cfgPath string, bus *events.Bus, metrics *telemetry.Metrics) (*Supervisor, error) {
	logStore, err := driver.OpenLogStore(cfg.Drivers.Logs.Type, driver.OptionsFromMap(cfg.Drivers.Logs.Options))
	if err != nil {
		return nil, fmt.Errorf("logs driver: %w", err)
	}
	cacheStore, err := driver.OpenCacheStore(cfg.Drivers.Cache.Type, driver.OptionsFromMap(cfg.Drivers.Cache.Options))
	if err != nil {
		_ = logStore.Close()
		return nil, fmt.Errorf("cache driver: %w", err)
	}
	denyStore, err := driver.OpenPolicyStore(driver.RoleBlacklist, cfg.Drivers.Blacklist.Type, driver.OptionsFromMap(cfg.Drivers.Blacklist.Options))
	if err != nil {
		_ = logStore.Close()
		_ = cacheStore.Close()
		return nil, fmt.Errorf("blacklist driver: %w", err)
	}
	allowStore, err := driver.OpenPolicyStore(driver.RoleWhitelist, cfg.Drivers.Whitelist.Type, driver.OptionsFromMap(cfg.Drivers.Whitelist.Options))
	if err != nil {
		_ = logStore.Close()
		_ = cacheStore.Close()
		_ = denyStore.Close()
		return nil, fmt.Errorf("whitelist driver: %w", err)
	}

	rules, err := buildRules(cfg.Rules)
	if err != nil {
		_ = logStore.Close()
		_ = cacheStore.Close()
		_ = denyStore.Close()
		_ = allowStore.Close()
		return nil, err
	}

	selector, err := buildSelector(&cfg.Server)
	if err != nil {
		_ = logStore.Close()
		_ = cacheStore.Close()
		_ = denyStore.Close()
		_ = allowStore.Close()
		return nil, err
	}

	decider := &policy.Decider{
		Allow: policy.NewMatcher(driver.RoleWhitelist, allowStore),
		Deny:  policy.NewMatcher(driver.RoleBlacklist, denyStore),
		Rules: rules,
	}
	engine := cache.New(cacheStore, cache.DefaultConfig())

	handler := dnssrv.NewHandler(decider, engine, selector, bus)
	handler.SetLogStore(logStore)
	handler.Metrics = metrics
	handler.SetSettings(dnssrv.Settings{
		AllowlistEnabled: cfg.Server.EnableWhitelist,
		BlockResponse:    cfg.Server.BlockResponse,
	})

	return &Supervisor{
		cfg:     cfg,
		cfgPath: cfgPath,
		bus:     bus,
		metrics: metrics,
		logger:  logging.Global(),
		engine:  engine,
		decider: decider,
		handler: handler,
	}, nil
}

func buildRules(rules []config.RuleConfig) (*policy.Engine, error) {
	engine := policy.NewEngine()
	for _, rule := range rules {
		if err := engine.AddRule(rule.Name, rule.Expression, policy.Action(rule.Action)); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

func buildSelector(srv *config.ServerConfig) (*upstream.Selector, error) {
	providers, err := upstream.BuildSet(srv.SecondaryDNS, srv.NextDNSConfigID)
	if err != nil {
		return nil, fmt.Errorf("upstream providers: %w", err)
	}
	return upstream.NewSelector(providers, 0), nil
}

// Handler exposes the pipeline, mainly for tests.
func (s *Supervisor) Handler() *dnssrv.Handler {
	return s.handler
}

// Running reports whether the listener is up.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil && s.srv.Running()
}

// Start brings the listener up. A privileged port without root is
// refused before any bind attempt.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Supervisor) startLocked() error {
	if s.srv != nil && s.srv.Running() {
		return ErrAlreadyRunning
	}

	port := s.cfg.Server.Port
	if port < 1024 && os.Geteuid() != 0 {
		err := fmt.Errorf("%w: port %d", ErrPortPrivilege, port)
		s.publishStatus("crashed", err)
		return err
	}

	srv := dnssrv.NewServer(fmt.Sprintf(":%d", port), s.cfg.Server.EnableTCP, s.handler, s.bus, s.metrics)
	if err := srv.Start(); err != nil {
		s.publishStatus("crashed", err)
		return err
	}
	s.srv = srv

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	go s.engine.Start(sweepCtx)

	s.startedAt = time.Now()
	s.publishStatus("started", nil)
	return nil
}

// Stop takes the listener down, waiting briefly for in-flight
// queries. Stopping a stopped resolver is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	if s.srv == nil {
		return nil
	}

	if s.sweepCancel != nil {
		s.sweepCancel()
		s.sweepCancel = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	s.srv = nil

	s.publishStatus("stopped", err)
	return err
}

// Toggle flips the run state and reports the state after the flip.
func (s *Supervisor) Toggle() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil && s.srv.Running() {
		return false, s.stopLocked()
	}
	if err := s.startLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// SwapDriver replaces one role's driver at runtime. When the
// replacement cannot be constructed the previous driver stays active
// and the error wraps ErrDriverSwap.
func (s *Supervisor) SwapDriver(role driver.Role, typ string, options map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := driver.OptionsFromMap(options)
	var old interface{ Close() error }

	switch role {
	case driver.RoleLogs:
		store, err := driver.OpenLogStore(typ, opts)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDriverSwap, role, err)
		}
		old = s.handler.SetLogStore(store)
		s.cfg.Drivers.Logs = config.DriverConfig{Type: typ, Options: options}
		s.bus.Publish(events.TopicInfo, map[string]any{"driver": string(role), "type": typ})

	case driver.RoleCache:
		store, err := driver.OpenCacheStore(typ, opts)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDriverSwap, role, err)
		}
		old = s.engine.SwapStore(store)
		s.cfg.Drivers.Cache = config.DriverConfig{Type: typ, Options: options}
		s.bus.Publish(events.TopicCache, map[string]any{"driver": string(role), "type": typ})

	case driver.RoleBlacklist:
		store, err := driver.OpenPolicyStore(role, typ, opts)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDriverSwap, role, err)
		}
		old = s.decider.Deny.Swap(store)
		s.cfg.Drivers.Blacklist = config.DriverConfig{Type: typ, Options: options}
		s.bus.Publish(events.TopicDenylist, map[string]any{"driver": string(role), "type": typ})

	case driver.RoleWhitelist:
		store, err := driver.OpenPolicyStore(role, typ, opts)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDriverSwap, role, err)
		}
		old = s.decider.Allow.Swap(store)
		s.cfg.Drivers.Whitelist = config.DriverConfig{Type: typ, Options: options}
		s.bus.Publish(events.TopicAllowlist, map[string]any{"driver": string(role), "type": typ})

	default:
		return fmt.Errorf("%w: unknown role %q", ErrDriverSwap, role)
	}

	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Warn("Failed to close replaced driver", "role", string(role), "error", err)
		}
	}
	s.persistLocked()
	s.logger.Info("Driver swapped", "role", string(role), "type", typ)
	return nil
}

// LogStore returns the active logs driver.
func (s *Supervisor) LogStore() driver.LogStore {
	return s.handler.LogStore()
}

// CacheStore returns the active cache driver.
func (s *Supervisor) CacheStore() driver.CacheStore {
	return s.engine.Store()
}

// PolicyStore returns the active driver for the blacklist or
// whitelist role.
func (s *Supervisor) PolicyStore(role driver.Role) driver.PolicyStore {
	switch role {
	case driver.RoleBlacklist:
		return s.decider.Deny.Store()
	case driver.RoleWhitelist:
		return s.decider.Allow.Store()
	}
	return nil
}

// UpdateConfig applies a new configuration. Listener-affecting
// changes (port, TCP, upstreams, rules) restart the listener; driver
// changes swap in place; pipeline switches apply immediately. The
// configuration is persisted and announced on the info topic.
func (s *Supervisor) UpdateConfig(next *config.Config) error {
	if err := next.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cfg
	restart := prev.Server.Port != next.Server.Port ||
		prev.Server.EnableTCP != next.Server.EnableTCP ||
		prev.Server.SecondaryDNS != next.Server.SecondaryDNS ||
		prev.Server.NextDNSConfigID != next.Server.NextDNSConfigID ||
		!reflect.DeepEqual(prev.Rules, next.Rules)

	wasRunning := s.srv != nil && s.srv.Running()
	if restart && wasRunning {
		if err := s.stopLocked(); err != nil {
			s.logger.Warn("Stop during config update failed", "error", err)
		}
	}

	if restart {
		rules, err := buildRules(next.Rules)
		if err != nil {
			s.cfg = prev
			if wasRunning {
				_ = s.startLocked()
			}
			return err
		}
		selector, err := buildSelector(&next.Server)
		if err != nil {
			s.cfg = prev
			if wasRunning {
				_ = s.startLocked()
			}
			return err
		}
		s.decider.Rules = rules
		s.handler.Selector = selector
	}

	s.cfg = next
	s.handler.SetSettings(dnssrv.Settings{
		AllowlistEnabled: next.Server.EnableWhitelist,
		BlockResponse:    next.Server.BlockResponse,
	})

	if err := s.swapChangedDriversLocked(prev, next); err != nil {
		return err
	}

	if restart && wasRunning {
		if err := s.startLocked(); err != nil {
			return err
		}
	}

	s.persistLocked()
	s.bus.Publish(events.TopicInfo, next)
	s.logger.Info("Configuration updated", "restart", restart && wasRunning)
	return nil
}

// swapChangedDriversLocked swaps every role whose driver selection
// differs between the two configurations.
func (s *Supervisor) swapChangedDriversLocked(prev, next *config.Config) error {
	changes := []struct {
		role     driver.Role
		from, to config.DriverConfig
	}{
		{driver.RoleLogs, prev.Drivers.Logs, next.Drivers.Logs},
		{driver.RoleCache, prev.Drivers.Cache, next.Drivers.Cache},
		{driver.RoleBlacklist, prev.Drivers.Blacklist, next.Drivers.Blacklist},
		{driver.RoleWhitelist, prev.Drivers.Whitelist, next.Drivers.Whitelist},
	}
	for _, c := range changes {
		if c.from.Type == c.to.Type && reflect.DeepEqual(c.from.Options, c.to.Options) {
			continue
		}
		if err := s.swapDriverLocked(c.role, c.to.Type, c.to.Options); err != nil {
			return err
		}
	}
	return nil
}

// swapDriverLocked is SwapDriver without re-locking, for use inside
// UpdateConfig.
func (s *Supervisor) swapDriverLocked(role driver.Role, typ string, options map[string]any) error {
	s.mu.Unlock()
	defer s.mu.Lock()
	return s.SwapDriver(role, typ, options)
}

// persistLocked writes the current configuration back to disk when a
// path is configured.
func (s *Supervisor) persistLocked() {
	if s.cfgPath == "" {
		return
	}
	if err := config.Save(s.cfg, s.cfgPath); err != nil {
		s.logger.Error("Failed to persist configuration", "path", s.cfgPath, "error", err)
	}
}

// Config returns the active configuration.
func (s *Supervisor) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Subscribe attaches an observer to the event bus.
func (s *Supervisor) Subscribe(opts events.SubscribeOptions, topics ...events.Topic) *events.Subscription {
	return s.bus.Subscribe(opts, topics...)
}

// Close stops the resolver and releases every driver.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.stopLocked(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range []interface{ Close() error }{
		s.handler.LogStore(),
		s.engine.Store(),
		s.decider.Deny.Store(),
		s.decider.Allow.Store(),
	} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// publishStatus announces a lifecycle transition.
func (s *Supervisor) publishStatus(state string, err error) {
	payload := map[string]any{
		"state": state,
		"port":  s.cfg.Server.Port,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.bus.Publish(events.TopicStatus, payload)
}
