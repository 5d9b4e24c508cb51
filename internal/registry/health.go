package registry

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/devopscentral/gateway/internal/logging"
)

// CheckerConfig controls the health check loop.
type CheckerConfig struct {
	// Timeout bounds each probe request.
	Timeout time.Duration
	// UnhealthyThreshold is the number of consecutive failures before a
	// healthy instance is marked unhealthy. Recovery takes one success.
	UnhealthyThreshold int
	// MaxConcurrent bounds simultaneous probes across all instances.
	MaxConcurrent int64
	// Tick is the scheduler resolution. Each instance is probed at its own
	// declared interval, evaluated on this tick.
	Tick time.Duration
}

// Checker periodically probes registered instances and feeds outcomes back
// into the registry.
type Checker struct {
	registry *Registry
	client   *http.Client
	cfg      CheckerConfig
	sem      *semaphore.Weighted

	cancel context.CancelFunc
	done   chan struct{}
}

// NewChecker creates a health checker over the given registry.
func NewChecker(registry *Registry, cfg CheckerConfig) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Checker{
		registry: registry,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg: cfg,
		sem: semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Start launches the scheduler loop. Call Stop to terminate it.
func (c *Checker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(ctx)
	logging.Info("health checker started",
		zap.Int("threshold", c.cfg.UnhealthyThreshold),
		zap.Duration("timeout", c.cfg.Timeout))
}

// Stop terminates the scheduler and waits for it to exit. In-flight probes
// finish in the background.
func (c *Checker) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	logging.Info("health checker stopped")
}

func (c *Checker) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, inst := range c.registry.dueForCheck(now) {
				if err := c.sem.Acquire(ctx, 1); err != nil {
					return
				}
				go func(inst *Instance) {
					defer c.sem.Release(1)
					c.checkOne(ctx, inst)
				}(inst)
			}
		}
	}
}

// checkOne probes a single instance and records the outcome. Draining
// instances are probed but never transitioned.
func (c *Checker) checkOne(ctx context.Context, inst *Instance) {
	ok := c.probe(ctx, inst)

	change := c.registry.recordCheck(inst, ok, c.cfg.UnhealthyThreshold, time.Now())
	if change != nil {
		logging.Warn("instance state changed",
			zap.String("service", inst.ServiceName),
			zap.String("instance", inst.InstanceID),
			zap.String("from", change.From),
			zap.String("to", change.To))
	}
}

// probe issues one GET to the instance's health endpoint. Any 2xx status
// counts as a pass.
func (c *Checker) probe(ctx context.Context, inst *Instance) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := inst.BaseURL + inst.HealthCheckURL
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
