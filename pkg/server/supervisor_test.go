package server

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/driver"
	"dnsgate/pkg/events"
)

// freePort grabs an ephemeral port and releases it for the resolver.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = freePort(t)
	cfg.Drivers.Logs.Type = "memory"
	return cfg
}

func newSupervisor(t *testing.T, cfg *config.Config) *Supervisor {
	t.Helper()
	sup, err := New(cfg, "", events.NewBus(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = sup.Close() })
	return sup
}

func TestSupervisorStartStop(t *testing.T) {
	sup := newSupervisor(t, testConfig(t))
	sub := sup.Subscribe(events.SubscribeOptions{}, events.TopicStatus)
	defer sub.Close()

	if err := sup.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !sup.Running() {
		t.Error("Running() = false after Start")
	}
	assertStatusEvent(t, sub, "started")

	if err := sup.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if sup.Running() {
		t.Error("Running() = true after Stop")
	}
	assertStatusEvent(t, sub, "stopped")

	// Stopping again is a no-op
	if err := sup.Stop(); err != nil {
		t.Errorf("repeated Stop() error = %v", err)
	}
}

func assertStatusEvent(t *testing.T, sub *events.Subscription, state string) {
	t.Helper()
	select {
	case e := <-sub.Events():
		payload, ok := e.Payload.(map[string]any)
		if !ok {
			t.Fatalf("payload type = %T", e.Payload)
		}
		if payload["state"] != state {
			t.Errorf("state = %v, want %q", payload["state"], state)
		}
	case <-time.After(time.Second):
		t.Fatalf("no %q status event", state)
	}
}

func TestSupervisorRefusesPrivilegedPort(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root; privileged ports are allowed")
	}

	cfg := testConfig(t)
	cfg.Server.Port = 53
	sup := newSupervisor(t, cfg)
	sub := sup.Subscribe(events.SubscribeOptions{}, events.TopicStatus)
	defer sub.Close()

	err := sup.Start()
	if !errors.Is(err, ErrPortPrivilege) {
		t.Fatalf("Start() error = %v, want ErrPortPrivilege", err)
	}
	if sup.Running() {
		t.Error("Running() = true after refused Start")
	}
	assertStatusEvent(t, sub, "crashed")
}

func TestSupervisorToggle(t *testing.T) {
	sup := newSupervisor(t, testConfig(t))

	running, err := sup.Toggle()
	if err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if !running || !sup.Running() {
		t.Error("first Toggle() did not start the resolver")
	}

	running, err = sup.Toggle()
	if err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if running || sup.Running() {
		t.Error("second Toggle() did not stop the resolver")
	}
}

func TestSupervisorDriverConstructionFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Drivers.Blacklist = config.DriverConfig{Type: "file"} // no path

	if _, err := New(cfg, "", events.NewBus(), nil); err == nil {
		t.Error("New() with unbuildable driver succeeded")
	}
}

func TestSupervisorBadRuleFailsConstruction(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rules = []config.RuleConfig{
		{Name: "broken", Expression: "domain endsWith", Action: "block"},
	}

	if _, err := New(cfg, "", events.NewBus(), nil); err == nil {
		t.Error("New() with uncompilable rule succeeded")
	}
}

func TestSupervisorSwapDriver(t *testing.T) {
	sup := newSupervisor(t, testConfig(t))
	ctx := context.Background()

	old := sup.PolicyStore(driver.RoleBlacklist)
	if err := old.Add(ctx, driver.PolicyEntry{Domain: "ads.example.com"}); err != nil {
		t.Fatal(err)
	}

	sub := sup.Subscribe(events.SubscribeOptions{}, events.TopicDenylist)
	defer sub.Close()

	dir := t.TempDir()
	if err := sup.SwapDriver(driver.RoleBlacklist, "file", map[string]any{"path": dir}); err != nil {
		t.Fatalf("SwapDriver() error = %v", err)
	}

	fresh := sup.PolicyStore(driver.RoleBlacklist)
	if fresh == old {
		t.Fatal("swap kept the old store")
	}
	if n, err := fresh.Count(ctx); err != nil || n != 0 {
		t.Errorf("new store count = %d, err = %v, want empty", n, err)
	}

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Error("no denylist event after swap")
	}
}

func TestSupervisorSwapDriverFailureKeepsOld(t *testing.T) {
	sup := newSupervisor(t, testConfig(t))
	ctx := context.Background()

	old := sup.PolicyStore(driver.RoleWhitelist)
	if err := old.Add(ctx, driver.PolicyEntry{Domain: "cdn.example.com"}); err != nil {
		t.Fatal(err)
	}

	// file driver without a path cannot be constructed
	err := sup.SwapDriver(driver.RoleWhitelist, "file", nil)
	if !errors.Is(err, ErrDriverSwap) {
		t.Fatalf("SwapDriver() error = %v, want ErrDriverSwap", err)
	}

	if sup.PolicyStore(driver.RoleWhitelist) != old {
		t.Error("failed swap replaced the store")
	}
	if _, err := old.Get(ctx, "cdn.example.com"); err != nil {
		t.Errorf("old store lost its entry: %v", err)
	}
}

func TestSupervisorSwapCacheDriver(t *testing.T) {
	sup := newSupervisor(t, testConfig(t))

	old := sup.CacheStore()
	if err := sup.SwapDriver(driver.RoleCache, "memory", map[string]any{"maxEntries": 128}); err != nil {
		t.Fatalf("SwapDriver() error = %v", err)
	}
	if sup.CacheStore() == old {
		t.Error("cache swap kept the old store")
	}
}

func TestSupervisorUpdateConfigAppliesSettings(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	cfg := testConfig(t)

	sup, err := New(cfg, cfgPath, events.NewBus(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sup.Close() })

	next := *cfg
	next.Server.EnableWhitelist = true
	next.Server.BlockResponse = "zero-ip"

	if err := sup.UpdateConfig(&next); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}

	settings := sup.Handler().Settings()
	if !settings.AllowlistEnabled {
		t.Error("allowlist setting not applied")
	}
	if settings.BlockResponse != "zero-ip" {
		t.Errorf("block response = %q, want zero-ip", settings.BlockResponse)
	}

	// The update must be persisted with a fresh timestamp
	saved, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("persisted config failed to load: %v", err)
	}
	if !saved.Server.EnableWhitelist || saved.Server.BlockResponse != "zero-ip" {
		t.Errorf("persisted config = %+v", saved.Server)
	}
	if saved.LastUpdated.IsZero() {
		t.Error("persisted config has no lastUpdated")
	}
}

func TestSupervisorUpdateConfigRejectsInvalid(t *testing.T) {
	cfg := testConfig(t)
	sup := newSupervisor(t, cfg)

	next := *cfg
	next.Server.SecondaryDNS = "quad9"

	if err := sup.UpdateConfig(&next); err == nil {
		t.Error("UpdateConfig() with invalid config succeeded")
	}
	if sup.Config().Server.SecondaryDNS == "quad9" {
		t.Error("invalid config was applied")
	}
}

func TestSupervisorUpdateConfigRestartsOnPortChange(t *testing.T) {
	cfg := testConfig(t)
	sup := newSupervisor(t, cfg)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	next := *cfg
	next.Server.Port = freePort(t)

	if err := sup.UpdateConfig(&next); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	if !sup.Running() {
		t.Error("resolver not running after port change")
	}
	if got := sup.Config().Server.Port; got != next.Server.Port {
		t.Errorf("port = %d, want %d", got, next.Server.Port)
	}
}

func TestSupervisorStatus(t *testing.T) {
	sup := newSupervisor(t, testConfig(t))

	st := sup.Status(context.Background())
	if st.Running {
		t.Error("Running = true before Start")
	}
	if len(st.Providers) == 0 {
		t.Error("no providers in status")
	}

	if err := sup.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st = sup.Status(context.Background())
	if !st.Running {
		t.Error("Running = false after Start")
	}
	if st.Goroutines <= 0 {
		t.Error("goroutine count missing")
	}
}
