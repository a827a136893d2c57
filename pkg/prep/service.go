package prep

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ServiceGuard remembers whether a host service was running before the build stopped it.
type ServiceGuard struct {
	runner    Runner
	service   string
	logger    zerolog.Logger
	wasActive bool
	once      sync.Once
}

// StopService stops service if it is active. A failed stop is logged, not returned:
// the automounter racing the partitioner is a nuisance, not a blocker.
func (p *Preparer) StopService(ctx context.Context, service string) *ServiceGuard {
	g := &ServiceGuard{runner: p.Runner, service: service, logger: p.Logger}
	if service == "" {
		return g
	}
	if _, err := p.Runner.Run(ctx, []string{"systemctl", "is-active", "--quiet", service}, false); err != nil {
		return g
	}
	g.wasActive = true
	if _, err := p.Runner.Run(ctx, []string{"systemctl", "stop", service}, true); err != nil {
		p.Logger.Warn().Err(err).Str("service", service).Msg("stop service")
	}
	return g
}

func (g *ServiceGuard) WasActive() bool {
	return g != nil && g.wasActive
}

// Release restarts the service iff it was active when the guard was taken. Safe on a
// nil guard and safe to call more than once.
func (g *ServiceGuard) Release(ctx context.Context) {
	if g == nil || !g.wasActive {
		return
	}
	g.once.Do(func() {
		if _, err := g.runner.Run(ctx, []string{"systemctl", "start", g.service}, true); err != nil {
			g.logger.Warn().Err(err).Str("service", g.service).Msg("restart service")
		}
	})
}
