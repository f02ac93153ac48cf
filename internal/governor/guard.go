package governor

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/clasp-systems/clasp/internal/obsmetrics"
)

// GuardConfig is the static configuration a ResourceGuard enforces.
type GuardConfig struct {
	MaxConnections     int
	MaxGoroutines      int
	MaxBridgeRate      int // messages/sec admitted from a bridge consumer
	CPULimit           float64
	MemoryLimit        int64
	CPURejectThreshold float64
	CPUPauseThreshold  float64
}

// ResourceGuard enforces admission control for new sessions and backpressure
// for bridge consumption, grounded on the teacher's limits.ResourceGuard.
// Unlike a capacity manager that recalculates limits from measurements, it
// enforces the configured limits strictly and leaves tuning to the operator.
type ResourceGuard struct {
	cfg    GuardConfig
	logger zerolog.Logger

	bridgeLimiter *rate.Limiter

	goroutineLimiter *GoroutineLimiter
	cpuMonitor       *CPUMonitor

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64

	currentSessions *atomic.Int64
}

// NewResourceGuard builds a ResourceGuard. currentSessions should point at
// the Router's live session counter so admission checks see up-to-date load.
func NewResourceGuard(cfg GuardConfig, logger zerolog.Logger, currentSessions *atomic.Int64) *ResourceGuard {
	bridgeRate := cfg.MaxBridgeRate
	if bridgeRate <= 0 {
		bridgeRate = 1000
	}

	rg := &ResourceGuard{
		cfg:              cfg,
		logger:           logger,
		bridgeLimiter:    rate.NewLimiter(rate.Limit(bridgeRate), bridgeRate*2),
		goroutineLimiter: NewGoroutineLimiter(cfg.MaxGoroutines),
		cpuMonitor:       NewCPUMonitor(logger),
		currentSessions:  currentSessions,
	}
	rg.currentCPU.Store(0.0)
	rg.currentMemory.Store(int64(0))

	logger.Info().
		Str("cpu_mode", rg.cpuMonitor.Mode()).
		Float64("cpu_allocation", rg.cpuMonitor.GetAllocation()).
		Int("max_connections", cfg.MaxConnections).
		Int("max_goroutines", cfg.MaxGoroutines).
		Msgf("resource guard initialized: will reject new sessions at %.0f%% CPU", cfg.CPURejectThreshold)

	return rg
}

// ShouldAcceptConnection runs the admission checks a new session must pass:
// the hard connection cap, then CPU, memory, and goroutine emergency brakes.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	currentSessions := rg.currentSessions.Load()
	currentCPU := rg.currentCPU.Load().(float64)
	currentMemory := rg.currentMemory.Load().(int64)
	currentGoros := runtime.NumGoroutine()

	if currentSessions >= int64(rg.cfg.MaxConnections) {
		obsmetrics.HandshakeFailuresTotal.WithLabelValues("at_max_connections").Inc()
		return false, fmt.Sprintf("at max connections (%d)", rg.cfg.MaxConnections)
	}
	if currentCPU > rg.cfg.CPURejectThreshold {
		obsmetrics.HandshakeFailuresTotal.WithLabelValues("cpu_overload").Inc()
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", currentCPU, rg.cfg.CPURejectThreshold)
	}
	if rg.cfg.MemoryLimit > 0 && currentMemory > rg.cfg.MemoryLimit {
		obsmetrics.HandshakeFailuresTotal.WithLabelValues("memory_limit").Inc()
		return false, "memory limit exceeded"
	}
	if currentGoros > rg.cfg.MaxGoroutines {
		obsmetrics.HandshakeFailuresTotal.WithLabelValues("goroutine_limit").Inc()
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", currentGoros, rg.cfg.MaxGoroutines)
	}

	return true, "ok"
}

// ShouldPauseBridge reports whether an inbound bridge consumer should pause
// intake because CPU is critically high, providing backpressure before the
// reject threshold is reached.
func (rg *ResourceGuard) ShouldPauseBridge() bool {
	return rg.currentCPU.Load().(float64) > rg.cfg.CPUPauseThreshold
}

// AllowBridgeMessage rate-limits bridge message admission.
func (rg *ResourceGuard) AllowBridgeMessage() bool {
	return rg.bridgeLimiter.Allow()
}

// AcquireGoroutine reserves a background-goroutine slot. Callers must call
// ReleaseGoroutine when the goroutine exits.
func (rg *ResourceGuard) AcquireGoroutine() bool {
	ok := rg.goroutineLimiter.Acquire()
	if !ok {
		rg.logger.Warn().
			Int("current", rg.goroutineLimiter.Current()).
			Int("max", rg.goroutineLimiter.Max()).
			Msg("goroutine limit reached")
	}
	return ok
}

// ReleaseGoroutine frees a goroutine slot acquired via AcquireGoroutine.
func (rg *ResourceGuard) ReleaseGoroutine() { rg.goroutineLimiter.Release() }

// UpdateResources samples current CPU and memory usage. Call this
// periodically (StartMonitoring does so) to keep admission checks current.
func (rg *ResourceGuard) UpdateResources() {
	cpuPercent, throttle, err := rg.cpuMonitor.GetPercent()
	if err != nil {
		rg.logger.Error().Err(err).Msg("failed to sample CPU usage")
		cpuPercent = 0
	}
	rg.currentCPU.Store(cpuPercent)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	rg.currentMemory.Store(int64(mem.Alloc))

	rg.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Uint64("cpu_throttled_events", throttle.NrThrottled).
		Float64("cpu_throttled_sec", throttle.ThrottledSec).
		Int64("memory_mb", rg.currentMemory.Load().(int64)/(1024*1024)).
		Int64("sessions", rg.currentSessions.Load()).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("resource state updated")
}

// StartMonitoring runs UpdateResources on interval until ctx is cancelled.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rg.UpdateResources()
			case <-ctx.Done():
				rg.logger.Info().Msg("resource guard monitoring stopped")
				return
			}
		}
	}()
	rg.logger.Info().Dur("interval", interval).Msg("resource guard monitoring started")
}

// Stats returns a snapshot for debugging or a status endpoint.
func (rg *ResourceGuard) Stats() map[string]any {
	return map[string]any{
		"max_connections":     rg.cfg.MaxConnections,
		"current_connections": rg.currentSessions.Load(),
		"cpu_percent":         rg.currentCPU.Load().(float64),
		"cpu_reject_threshold": rg.cfg.CPURejectThreshold,
		"cpu_pause_threshold":  rg.cfg.CPUPauseThreshold,
		"memory_bytes":        rg.currentMemory.Load().(int64),
		"memory_limit_bytes":  rg.cfg.MemoryLimit,
		"goroutines_current":  runtime.NumGoroutine(),
		"goroutines_limit":    rg.cfg.MaxGoroutines,
	}
}
