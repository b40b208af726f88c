package server

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"dnsgate/pkg/cache"
	"dnsgate/pkg/upstream"
)

// Status is a point-in-time snapshot of the resolver.
type Status struct {
	Running bool          `json:"running"`
	Port    int           `json:"port"`
	Uptime  time.Duration `json:"uptime"`

	Providers     []string                          `json:"providers"`
	ProviderStats map[string]upstream.ProviderStats `json:"providerStats"`

	Cache        cache.Stats `json:"cache"`
	CacheEntries int         `json:"cacheEntries"`

	MemoryRSS     uint64  `json:"memoryRss"`
	MemoryPercent float64 `json:"memoryPercent"`
	CPUPercent    float64 `json:"cpuPercent"`
	Goroutines    int     `json:"goroutines"`
}

// Status collects the snapshot. Process metrics are best effort; a
// probe failure leaves its fields zero.
func (s *Supervisor) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		Running:    s.srv != nil && s.srv.Running(),
		Port:       s.cfg.Server.Port,
		Goroutines: runtime.NumGoroutine(),
	}
	if st.Running {
		st.Uptime = time.Since(s.startedAt)
	}
	selector := s.handler.Selector
	engine := s.engine
	s.mu.Unlock()

	st.Providers = selector.Providers()
	st.ProviderStats = selector.Stats()
	st.Cache = engine.Stats()
	if n, err := engine.Store().Len(ctx); err == nil {
		st.CacheEntries = n
	}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			st.MemoryRSS = info.RSS
		}
		if pct, err := proc.PercentWithContext(ctx, 0); err == nil {
			if n := runtime.NumCPU(); n > 0 {
				st.CPUPercent = pct / float64(n)
			} else {
				st.CPUPercent = pct
			}
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 && st.MemoryRSS > 0 {
		st.MemoryPercent = float64(st.MemoryRSS) / float64(vm.Total) * 100
	}

	return st
}
