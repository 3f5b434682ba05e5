package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mes-console/backend/internal/api"
	"github.com/mes-console/backend/internal/audit"
	"github.com/mes-console/backend/internal/clock"
	"github.com/mes-console/backend/internal/config"
	"github.com/mes-console/backend/internal/gateway"
	"github.com/mes-console/backend/internal/journal"
	"github.com/mes-console/backend/internal/logging"
	"github.com/mes-console/backend/internal/models"
	"github.com/mes-console/backend/internal/ratelimit"
	"github.com/mes-console/backend/internal/realtime"
	"github.com/mes-console/backend/internal/session"
	"github.com/mes-console/backend/internal/storage"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML config file (default: mes-console.yaml next to the executable)")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("mes-console %s (built %s)\n", Version, BuildTime)
		return
	}

	if *configPath == "" {
		exePath, err := os.Executable()
		if err != nil {
			fmt.Printf("Failed to get executable path: %v\n", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(exePath), "mes-console.yaml")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Advanced.LogLevel, cfg.Advanced.LogEncoding)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, *configPath, log); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, configPath string, log *zap.Logger) error {
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("creating directories: %w", err)
	}

	clk := clock.Real()

	// Audit sinks: the local journal and, when configured, the security log endpoint
	var sinks []audit.Sink
	var auditJournal *journal.Journal
	if path := cfg.GetJournalPath(); path != "" {
		j, err := journal.Open(path, log)
		if err != nil {
			return err
		}
		defer j.Close()
		auditJournal = j
		sinks = append(sinks, j)
	}
	if cfg.Audit.SinkURL != "" {
		sinks = append(sinks, audit.NewHTTPSink(cfg.Audit.SinkURL, nil))
	}
	auditor := audit.NewLogger(clk, log, cfg.Audit.QueueSize, sinks...)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := auditor.Close(ctx); err != nil {
			log.Warn("audit queue not drained", zap.Error(err))
		}
	}()

	store, err := storage.NewFileStore(cfg.GetSessionPath())
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	guard := session.NewGuard(store, clk, auditor, log, session.Options{
		Timeout:           cfg.SessionTimeout(),
		MaxFailedAttempts: cfg.Security.MaxFailedAttempts,
		LockoutDuration:   cfg.LockoutDuration(),
	})

	channel := realtime.NewChannel(cfg.Backend.RealtimeURL,
		realtime.NewWebsocketDialer(realtime.DefaultDialTimeout), clk, log,
		realtime.Options{
			HeartbeatInterval: cfg.HeartbeatInterval(),
			ReconnectDelay:    cfg.ReconnectDelay(),
		})

	limiter := ratelimit.NewLimiter(clk)
	var recorder gateway.ResultRecorder
	if auditJournal != nil {
		recorder = auditJournal
	}
	gw := gateway.New(gateway.Config{
		Guard:    guard,
		Limiter:  limiter,
		Channel:  channel,
		Client:   gateway.NewDeviceClient(cfg.Backend.DeviceOperationURL, &http.Client{Timeout: cfg.RequestTimeout()}),
		Audit:    auditor,
		Recorder: recorder,
		Clock:    clk,
		Log:      log,
		Options:  gateway.Options{OperationTimeout: cfg.OperationTimeout()},
	})

	stream := api.NewConsoleStream(gw.Console().Subscribe, clk, log,
		int64(cfg.Advanced.WebSocketMaxMessageSizeKB)*1024)

	// Session end tears down everything tied to the operator
	guard.OnLogout(func(reason session.LogoutReason) {
		if err := channel.Close(); err != nil {
			log.Debug("realtime close", zap.Error(err))
		}
		if n := gw.CancelPending("session ended"); n > 0 {
			log.Info("cancelled pending operations", zap.Int("count", n))
		}
		level, title := models.LevelInfo, "Logged out"
		if reason == session.ReasonTimeout {
			level, title = models.LevelWarning, "Session timed out"
		} else if reason == session.ReasonInvalid {
			level, title = models.LevelError, "Session invalid"
		}
		gw.Console().AddEvent("session", level, title, "Operator session ended")
		stream.Broadcast(api.MsgTypeLogout, map[string]string{"reason": string(reason)})
	})
	channel.OnStateChange(func(state realtime.State) {
		stream.Broadcast(api.MsgTypeRealtimeState, map[string]string{"state": string(state)})
	})

	connect := func(s models.Session) {
		go func() {
			err := channel.Connect(context.Background(), realtime.Identity{
				WorkstationID: s.WorkstationID,
				SessionID:     s.SessionID,
				Username:      s.Username,
			})
			if err != nil {
				log.Warn("realtime connect failed, retrying in background", zap.Error(err))
			}
		}()
	}

	// Periodically drop expired rate limit windows
	stopCleanup := make(chan struct{})
	defer close(stopCleanup)
	go func() {
		ticker := time.NewTicker(ratelimit.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiter.Cleanup()
			case <-stopCleanup:
				return
			}
		}
	}()

	// A session persisted by the login flow is picked up at startup
	if sess, err := guard.Validate(context.Background()); err == nil {
		connect(sess)
	} else {
		log.Info("no valid session at startup", zap.Error(err))
	}

	deps := &api.Dependencies{
		Guard:              guard,
		Gateway:            gw,
		Realtime:           channel,
		Stream:             stream,
		Log:                log,
		Version:            Version,
		OnSessionValidated: connect,
	}
	if auditJournal != nil {
		deps.Journal = auditJournal
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	api.ShowErrorDetails = cfg.Advanced.LogLevel == "debug"

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Error("panic recovered", zap.Error(err), zap.ByteString("stack", stack))
			return err
		},
	}))
	e.Use(middleware.RequestID())

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		// Realtime operations wait up to the operation timeout for their result
		Timeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Request().URL.Path, "/api/ws/")
		},
		ErrorMessage: "Request timeout",
	}))

	if cfg.Server.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))
	}

	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:  origins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, api.HeaderCSRFToken},
			ExposeHeaders: []string{api.HeaderRateLimitRemaining},
		}))
	}

	api.SetupMiddleware(e, deps, cfg.Advanced.EnableRequestLogging)
	api.RegisterRoutes(e, api.NewHandlers(deps))

	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	log.Info("workstation console gateway starting",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("config", configPath),
		zap.String("listen", cfg.GetServerAddr()),
		zap.String("data_dir", cfg.GetDataDir()),
		zap.String("realtime_url", cfg.Backend.RealtimeURL),
		zap.String("device_api_url", cfg.Backend.DeviceOperationURL))

	errCh := make(chan error, 1)
	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	// Leave the persisted session for the next start; only drop the live channel
	if err := channel.Close(); err != nil {
		log.Debug("realtime close", zap.Error(err))
	}
	gw.CancelPending("shutting down")
	return nil
}
