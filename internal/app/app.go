// Package app wires the funnel services into the bot runtime.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/m3rciful/funnelbot/core/bootstrap"
	"github.com/m3rciful/funnelbot/core/cmd"
	"github.com/m3rciful/funnelbot/core/httpserver"
	"github.com/m3rciful/funnelbot/core/logger"
	coretelegram "github.com/m3rciful/funnelbot/core/telegram"
	tghelpers "github.com/m3rciful/funnelbot/core/telegram/helpers"
	"github.com/m3rciful/funnelbot/core/telegram/middleware"
	"github.com/m3rciful/funnelbot/core/telegram/router"
	"github.com/m3rciful/funnelbot/internal/admins"
	"github.com/m3rciful/funnelbot/internal/bot"
	"github.com/m3rciful/funnelbot/internal/clock"
	"github.com/m3rciful/funnelbot/internal/delivery"
	"github.com/m3rciful/funnelbot/internal/dialogs"
	"github.com/m3rciful/funnelbot/internal/funnel"
	"github.com/m3rciful/funnelbot/internal/registry"
	"github.com/m3rciful/funnelbot/internal/reports"
	"github.com/m3rciful/funnelbot/internal/scheduler"
	"github.com/m3rciful/funnelbot/internal/store"
	"github.com/m3rciful/funnelbot/internal/store/postgres"

	tele "gopkg.in/telebot.v4"
)

const textAdminsOnly = "This command is for admins only."

// App owns the services and the background workers of one bot process.
type App struct {
	cfg    *Config
	store  store.Store
	closer io.Closer

	catalog  *registry.Registry
	funnel   *funnel.Service
	admins   *admins.Overlay
	handlers *bot.Handlers
	metrics  *prometheus.Registry
	schedMet *scheduler.Metrics
	sched    *scheduler.Scheduler
	clock    clock.Clock

	// gateway overrides the Telegram gateway built on start.
	gateway delivery.Gateway

	http   *httpserver.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Bootstrap implements cmd.Options.Bootstrap: it prepares the database,
// seeds the catalog and builds the App on the PostgreSQL store.
func Bootstrap(ctx context.Context, carrier cmd.ConfigCarrier) (cmd.TelegramApp, error) {
	cfg, ok := carrier.(*Config)
	if !ok {
		return nil, fmt.Errorf("app: unexpected config type %T", carrier)
	}
	res, err := bootstrap.Run(ctx, bootstrap.Options{
		Config:   &cfg.Config,
		Database: cfg.Database,
		Modules: bootstrap.Modules{
			Seeders: []bootstrap.Seeder{registry.Seeder(cfg.Catalog.Path)},
		},
	})
	if err != nil {
		return nil, err
	}
	return New(cfg, postgres.New(res.DB), res.DB, nil)
}

// New builds the App on st. closer is closed on stop; clk nil means the
// system clock.
func New(cfg *Config, st store.Store, closer io.Closer, clk clock.Clock) (*App, error) {
	if clk == nil {
		clk = clock.System{}
	}
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := middleware.RegisterMetrics(metrics); err != nil {
		return nil, fmt.Errorf("app: register metrics: %w", err)
	}

	catalog := registry.New(st)
	fn := funnel.New(st, catalog, clk)
	overlay := admins.New(cfg.Telegram.AdminIDs, st, clk)
	handlers := bot.New(bot.Deps{
		Funnel:  fn,
		Dialogs: dialogs.New(catalog, st, clk),
		Catalog: catalog,
		Admins:  overlay,
		Reports: reports.New(st, clk),
		Clock:   clk,
		Texts:   cfg.Texts,
	})

	a := &App{
		cfg:      cfg,
		store:    st,
		closer:   closer,
		catalog:  catalog,
		funnel:   fn,
		admins:   overlay,
		handlers: handlers,
		metrics:  metrics,
		schedMet: scheduler.NewMetrics(metrics),
		clock:    clk,
	}
	return a, nil
}

// TelegramRunOptions implements cmd.TelegramApp.
func (a *App) TelegramRunOptions() (coretelegram.RunOptions, error) {
	reg := coretelegram.NewRegistry()
	if err := a.handlers.Register(reg); err != nil {
		return coretelegram.RunOptions{}, fmt.Errorf("app: register handlers: %w", err)
	}

	routes := router.CommandRoutes(reg, router.CommandRouteOptions{
		Authorizer: a.admins,
		OnAdminReject: func(c tele.Context) error {
			return tghelpers.SendText(c, textAdminsOnly)
		},
	})
	routes = append(routes, router.CallbackRoute(reg, router.CallbackOptions{}))
	routes = append(routes, router.TextRoutes(reg, router.TextOptions{})...)

	return coretelegram.RunOptions{
		Config:   &a.cfg.Config,
		Registry: reg,
		Middlewares: coretelegram.DefaultMiddlewares(&a.cfg.Config, nil,
			coretelegram.Middleware{Name: "touch", Use: a.handlers.TouchMiddleware},
		),
		Routes:  routes,
		OnStart: a.start,
		OnStop:  a.stop,
	}, nil
}

// start launches the scheduler and the ops HTTP server.
func (a *App) start(ctx context.Context, _ coretelegram.Runtime) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if !a.cfg.Scheduler.Disabled {
		gw, err := a.buildGateway()
		if err != nil {
			cancel()
			return err
		}
		a.sched = scheduler.New(scheduler.Deps{
			Store:   a.store,
			Catalog: a.catalog,
			Gateway: gw,
			Clock:   a.clock,
			Events:  a.funnel,
			Metrics: a.schedMet,
		}, a.cfg.Scheduler.Options())
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.sched.Run(runCtx)
		}()
	} else {
		logger.Info(ctx, logger.CompScheduler, "start", slog.String("status", "skip"), slog.String("reason", "disabled"))
	}

	if a.cfg.HTTP.Listen != "" {
		var gatherer prometheus.Gatherer
		if a.cfg.HTTP.Metrics {
			gatherer = a.metrics
		}
		a.http = httpserver.New(a.cfg.HTTP.Listen, gatherer)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.http.Start(runCtx); err != nil {
				logger.Error(runCtx, logger.CompHTTP, "serve", slog.String("status", "fail"), slog.String("err", err.Error()))
			}
		}()
	}
	return nil
}

// buildGateway sends through a dedicated client so slow deliveries never
// hold the polling connection.
func (a *App) buildGateway() (delivery.Gateway, error) {
	if a.gateway != nil {
		return a.gateway, nil
	}
	timeout := time.Duration(a.cfg.Telegram.SendTimeoutSeconds) * time.Second
	sender, err := delivery.NewSenderBot(a.cfg.Telegram.Token, timeout)
	if err != nil {
		return nil, err
	}
	return delivery.NewTelegram(sender), nil
}

// stop cancels the workers, waits for them within ctx and releases the store.
func (a *App) stop(ctx context.Context, _ coretelegram.Runtime) error {
	if a.cancel != nil {
		a.cancel()
	}
	var errs []error
	if a.http != nil {
		if err := a.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("workers: %w", ctx.Err()))
	}

	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
