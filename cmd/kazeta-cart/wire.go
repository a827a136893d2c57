package main

import (
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/history"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/observability"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/cart"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/shell"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/steam"
)

type app struct {
	manager *cart.Manager
	history *history.Store
	metrics *observability.Metrics
	steam   *steam.Client
}

// wire assembles the build pipeline. History is optional: a database that cannot be
// opened is logged and builds go on without it.
func (e *env) wire() *app {
	runner := shell.NewRunner(e.log, e.cfg.Escalation)
	b := cart.NewBuilder(runner, e.cfg.BuilderOptions(), e.log)
	m := cart.NewManager(b, e.cfg.LockDir, e.log)

	a := &app{manager: m, metrics: observability.New(), steam: e.steamClient()}
	m.OnStart = append(m.OnStart, a.metrics.Started)
	m.OnFinish = append(m.OnFinish, a.metrics.Finished)

	if e.cfg.HistoryDB != "" {
		if st, err := history.Open(e.cfg.HistoryDB, e.log); err != nil {
			e.log.Warn().Err(err).Str("path", e.cfg.HistoryDB).Msg("history disabled")
		} else {
			a.history = st
			m.OnFinish = append(m.OnFinish, st.Finished)
		}
	}
	return a
}

func (a *app) Close() {
	if a.history != nil {
		_ = a.history.Close()
	}
}

func (e *env) steamClient() *steam.Client {
	c := steam.New(e.log)
	if e.cfg.SteamCommunityURL != "" {
		c.CommunityURL = e.cfg.SteamCommunityURL
	}
	if e.cfg.SteamStoreURL != "" {
		c.StoreURL = e.cfg.SteamStoreURL
	}
	return c
}

func (e *env) defaults(r cart.Request) cart.Request {
	return r.WithDefaults(e.cfg.MountBase, e.cfg.Runtimes)
}
