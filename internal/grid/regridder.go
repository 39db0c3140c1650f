package grid

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/bathygrid/internal/monitoring"
	"github.com/banshee-data/bathygrid/internal/timeutil"
)

// Regridder periodically regrids stale tiles and, when Dir is set, saves
// the grid afterwards.
type Regridder struct {
	grid     *Grid
	dir      string
	interval time.Duration
	clock    timeutil.Clock
	log      *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	passes  int
}

// RegridderConfig configures a Regridder.
type RegridderConfig struct {
	Grid *Grid
	// Dir is where the grid is saved after each pass; empty disables saving.
	Dir      string
	Interval time.Duration
	// Clock defaults to the grid's clock.
	Clock  timeutil.Clock
	Logger *zap.Logger
}

// NewRegridder creates a Regridder.
func NewRegridder(cfg RegridderConfig) *Regridder {
	clock := cfg.Clock
	if clock == nil {
		clock = cfg.Grid.clock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = monitoring.Named("regridder")
	}
	return &Regridder{
		grid:     cfg.Grid,
		dir:      cfg.Dir,
		interval: cfg.Interval,
		clock:    clock,
		log:      logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run regrids on every tick until ctx is cancelled or Stop is called, then
// makes a final pass. It returns nil on clean shutdown and immediately if
// the regridder is already running.
func (r *Regridder) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	defer func() {
		close(r.doneCh)
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if r.interval <= 0 {
		r.log.Warn("regrid interval is not positive, not starting", zap.Duration("interval", r.interval))
		return nil
	}

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.Info("regridder started", zap.Duration("interval", r.interval), zap.String("dir", r.dir))

	for {
		select {
		case <-ctx.Done():
			r.log.Info("regridder stopping", zap.String("reason", "context cancelled"))
			r.pass("final")
			return nil
		case <-r.stopCh:
			r.log.Info("regridder stopping", zap.String("reason", "stop requested"))
			r.pass("final")
			return nil
		case <-ticker.C():
			r.pass("periodic")
		}
	}
}

// Stop requests shutdown and waits for the final pass. It is safe to call
// more than once.
func (r *Regridder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	done := r.doneCh
	r.mu.Unlock()
	<-done
}

// IsRunning reports whether Run is active.
func (r *Regridder) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Passes returns the number of completed passes.
func (r *Regridder) Passes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}

// RegridNow runs one pass outside the regular interval.
func (r *Regridder) RegridNow() *RegridResult {
	return r.pass("manual")
}

func (r *Regridder) pass(reason string) *RegridResult {
	res := r.grid.Regrid(true)
	if err := res.Err(); err != nil {
		r.log.Warn("regrid pass had failures", zap.String("reason", reason), zap.Error(err))
	}
	if r.dir != "" {
		if _, err := r.grid.Save(r.dir); err != nil {
			r.log.Error("save after regrid failed", zap.String("reason", reason), zap.Error(err))
		}
	}
	r.mu.Lock()
	r.passes++
	r.mu.Unlock()
	return res
}
