package app

import (
	"context"
	"fmt"

	"safegate/internal/config"
	"safegate/internal/escalation"
	"safegate/internal/gate"
	"safegate/internal/guard"
	"safegate/internal/logger"
	"safegate/internal/session"
	"safegate/internal/store/auditlog"
	gatehttp "safegate/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App owns application-level orchestration: config in, wired gate out,
// HTTP server and session scheduler running until the context ends.
type App struct {
	cfg       *config.Config
	gate      *gate.Gate
	server    *gatehttp.Server
	scheduler *session.Scheduler
	esc       *escalation.Manager
	audit     *auditlog.Store
	patterns  *guard.FileStore
}

// NewApp builds the application from config without starting anything.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return build(cfg)
}

// Gate exposes the wired gate for embedding callers and test harnesses.
func (a *App) Gate() *gate.Gate {
	if a == nil {
		return nil
	}
	return a.gate
}

// Run serves until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	a.scheduler.Start()
	group.Go(func() error {
		<-ctx.Done()
		a.scheduler.Stop()
		return nil
	})

	group.Go(func() error {
		logger.Infof("app: gate API listening on %s", a.server.Addr())
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("gate http server error: %w", err)
		}
		return nil
	})

	err := group.Wait()
	a.Close()
	return err
}

// Close drains pending escalations and releases file-backed resources.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.esc != nil {
		a.esc.ExpireAll()
	}
	if a.patterns != nil {
		_ = a.patterns.Close()
	}
	if a.audit != nil {
		_ = a.audit.Close()
	}
}
