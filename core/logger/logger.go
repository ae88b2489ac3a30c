package logger

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"

	"github.com/m3rciful/funnelbot/core/buildinfo"
	coreconfig "github.com/m3rciful/funnelbot/core/config"
)

// Component names shared by every package of the bot.
const (
	CompApp       = "app"
	CompDB        = "db"
	CompMigrate   = "db.migrate"
	CompSeed      = "db.seed"
	CompTG        = "tg"
	CompTGWire    = "tg.wire"
	CompHTTP      = "http"
	CompScheduler = "scheduler"
	CompWarmups   = "service.warmups"
	CompFollowups = "service.followups"
	CompMailings  = "service.mailings"
	CompDialogs   = "service.dialogs"
	CompAdmins    = "service.admins"
	CompReports   = "service.reports"
)

var (
	initOnce   sync.Once
	shutdownMu sync.Mutex
	shutdown   bool

	writers    []*asyncWriter
	logClosers []io.Closer

	levelVar slog.LevelVar

	debugSampler  = newRatioSampler(1, 50)
	traceOverride bool

	// L is the root logger. It discards everything until InitLogger runs, so
	// packages can log from tests without setup.
	L = slog.New(slog.DiscardHandler)

	DB    = L
	MIG   = L
	SEED  = L
	TG    = L
	TWire = L
	SCHED = L
)

// InitLogger configures the global structured logger. It may be called only once.
func InitLogger(cfg *coreconfig.Config) error {
	var initErr error
	initOnce.Do(func() {
		levelVar.Set(selectLevel(cfg))
		num, den := parseDebugSample(cfg)
		debugSampler.Set(num, den)
		traceOverride = detectTraceFlag()

		main, errs, closers := buildOutputs(cfg)
		logClosers = closers
		mainWriter := newAsyncWriter(main, 64*1024)
		writers = append(writers, mainWriter)
		var errWriter *asyncWriter
		if len(errs) > 0 {
			errWriter = newAsyncWriter(errs, 16*1024)
			writers = append(writers, errWriter)
		}

		L = slog.New(newStructuredHandler(handlerConfig{
			level:     &levelVar,
			writer:    mainWriter,
			errWriter: errWriter,
			format:    selectFormat(cfg),
			keyOrder:  selectKeyOrder(cfg),
		}))
		slog.SetDefault(L)

		DB = L.With("component", CompDB)
		MIG = L.With("component", CompMigrate)
		SEED = L.With("component", CompSeed)
		TG = L.With("component", CompTG)
		TWire = L.With("component", CompTGWire)
		SCHED = L.With("component", CompScheduler)

		L.LogAttrs(context.Background(), slog.LevelInfo, "startup",
			slog.String("component", CompApp),
			slog.String("event", "startup"),
			slog.String("go_version", runtime.Version()),
			slog.String("build_commit", buildinfo.Commit),
			slog.String("build_time", buildinfo.Date),
			slog.String("cfg_profile", selectProfile(cfg)),
		)
	})
	return initErr
}

// Shutdown flushes buffered log output and closes opened sinks.
func Shutdown() error {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if shutdown {
		return nil
	}
	shutdown = true

	var errs []error
	for _, w := range writers {
		if err := w.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range logClosers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func selectFormat(cfg *coreconfig.Config) logFormat {
	if cfg == nil {
		return formatJSON
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "kv", "text", "pretty":
		return formatKV
	case "json":
		return formatJSON
	}
	switch selectProfile(cfg) {
	case "debug", "dev":
		return formatKV
	}
	return formatJSON
}

func selectKeyOrder(cfg *coreconfig.Config) []string {
	var raw string
	if cfg != nil {
		raw = strings.TrimSpace(cfg.Logging.KeysOrder)
	}
	var order []string
	if raw != "" && raw != "default" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				order = append(order, p)
			}
		}
	}
	if len(order) == 0 {
		return append([]string(nil), defaultKeyOrder...)
	}
	return order
}

func selectLevel(cfg *coreconfig.Config) slog.Level {
	if cfg == nil {
		return slog.LevelInfo
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildOutputs returns the main sinks and the warn+ sinks. Files under
// logging.dir rotate daily and keep logging.max_age_days of history.
func buildOutputs(cfg *coreconfig.Config) (main, errs []io.Writer, closers []io.Closer) {
	main = []io.Writer{os.Stdout}
	if cfg == nil {
		return main, nil, nil
	}
	dir := strings.TrimSpace(cfg.Logging.Dir)
	if dir == "" {
		return main, nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("logger: failed to create log dir %s: %v", dir, err)
		return main, nil, nil
	}
	maxAge := time.Duration(cfg.Logging.MaxAgeDays) * 24 * time.Hour
	if maxAge <= 0 {
		maxAge = 14 * 24 * time.Hour
	}
	open := func(name string) *rotatelogs.RotateLogs {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil
		}
		base := filepath.Join(dir, name)
		rl, err := rotatelogs.New(base+".%Y%m%d",
			rotatelogs.WithLinkName(base),
			rotatelogs.WithMaxAge(maxAge),
			rotatelogs.WithRotationTime(24*time.Hour),
		)
		if err != nil {
			log.Printf("logger: failed to open log file %s: %v", base, err)
			return nil
		}
		closers = append(closers, rl)
		return rl
	}
	if rl := open(cfg.Logging.BotFile); rl != nil {
		main = append(main, rl)
	}
	if rl := open(cfg.Logging.ErrorsFile); rl != nil {
		errs = append(errs, rl)
	}
	return main, errs, closers
}

func selectProfile(cfg *coreconfig.Config) string {
	if cfg == nil {
		return ""
	}
	if profile := strings.TrimSpace(cfg.Logging.Profile); profile != "" {
		return strings.ToLower(profile)
	}
	return "prod"
}

// Background returns context.Background().
func Background() context.Context {
	return context.Background()
}

// LogEvent logs attrs under the event key with the context logger as fallback.
func LogEvent(ctx context.Context, logg *slog.Logger, level slog.Level, event string, attrs ...slog.Attr) {
	if logg == nil {
		logg = FromContext(ctx)
	}
	if event != "" {
		attrs = append([]slog.Attr{slog.String("event", event)}, attrs...)
	}
	logg.LogAttrs(ctx, level, "", attrs...)
}

// Component constructs a logger scoped to the provided component attribute.
func Component(name string) *slog.Logger {
	if name = strings.TrimSpace(name); name == "" {
		return L
	}
	return L.With("component", name)
}

// Event logs an event for a component.
func Event(ctx context.Context, component string, level slog.Level, event string, attrs ...slog.Attr) {
	LogEvent(ctx, Component(component), level, event, attrs...)
}

func Debug(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelDebug, event, attrs...)
}

func Info(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelInfo, event, attrs...)
}

func Warn(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelWarn, event, attrs...)
}

func Error(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelError, event, attrs...)
}

func parseDebugSample(cfg *coreconfig.Config) (int, int) {
	if cfg == nil || strings.TrimSpace(cfg.Logging.DebugSample) == "" {
		return 1, 50
	}
	num, den := parseRatioSpec(cfg.Logging.DebugSample)
	if num == 0 && den == 0 {
		return 0, 0
	}
	if num <= 0 || den <= 0 {
		return 1, 50
	}
	return num, den
}

func detectTraceFlag() bool {
	return isTruthy(os.Getenv("TRACE")) || isTruthy(os.Getenv("LOG_TRACE"))
}

func isTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

// ShouldSampleDebug reports whether debug-level details should be logged for
// high-volume events such as per-row scheduler decisions.
func ShouldSampleDebug() bool {
	if traceOverride {
		return true
	}
	return debugSampler.Allow()
}
