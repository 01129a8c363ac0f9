package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/germanamz/callrelay/pkg/backend"
	"github.com/germanamz/callrelay/pkg/config"
	"github.com/germanamz/callrelay/pkg/httpapi"
	"github.com/germanamz/callrelay/pkg/observer"
	"github.com/germanamz/callrelay/pkg/orchestrator"
	"github.com/germanamz/callrelay/pkg/registry"
	"github.com/germanamz/callrelay/pkg/signaling"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string) error {
	fs := newFlagSet("serve", "Connect to the PBX and serve the control plane and observer endpoints.")
	configPath := fs.StringP("config", "c", "", "path to configuration file (defaults apply when empty)")
	envFile := fs.String("env", ".env", "path to .env file (ignored if missing)")
	logLevel := fs.String("log-level", "", "override logging.level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *logLevel, os.LookupEnv)
	if err != nil {
		return err
	}

	log, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return newApp(cfg, log).serve(ctx)
}

// loadConfig resolves the file, environment and flag layers in that order.
func loadConfig(path, logLevel string, lookup func(string) (string, bool)) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return config.Config{}, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

// app is the wired relay process.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	pbx     *signaling.Client
	relay   *observer.Relay
	gateway *backend.Gateway
	orch    *orchestrator.Orchestrator
	handler http.Handler
}

func newApp(cfg config.Config, log *slog.Logger) *app {
	relay := observer.New(observer.Options{Logger: log})

	gateway := backend.New(backend.Config{
		URL:                cfg.Backend.URL,
		WSURL:              cfg.Backend.WSURL,
		Token:              cfg.Backend.Token,
		ChannelOpenTimeout: cfg.Backend.OpenTimeout(),
		RequestTimeout:     cfg.Backend.Timeout(),
		Broadcaster:        relay,
		Logger:             log,
	})
	relay.SetForwarder(gateway)

	pbx := signaling.New(signaling.Config{
		BaseURL:              cfg.Asterisk.ARIBaseURL(),
		Username:             cfg.Asterisk.Username,
		Password:             cfg.Asterisk.Password,
		AppName:              cfg.Asterisk.AppName,
		MaxReconnectAttempts: cfg.Asterisk.Reconnect.MaxAttempts,
		ReconnectDelay:       cfg.Asterisk.ReconnectDelay(),
		Logger:               log,
	})

	orch := orchestrator.New(&registry.Registry{}, pbx, gateway, relay, orchestrator.Options{
		GreetingMedia:       cfg.Call.GreetingMedia,
		Record:              cfg.Call.Record,
		RecordFormat:        cfg.Call.RecordFormat,
		ExternalMediaHost:   cfg.Call.ExternalMediaHost,
		ExternalMediaFormat: cfg.Call.ExternalMediaFormat,
		Logger:              log,
	})
	pbx.Subscribe(orch)

	handler := httpapi.NewHandler(httpapi.Options{
		Calls:       orch,
		PBX:         pbx,
		Observers:   relay,
		PBXHost:     cfg.Asterisk.Host,
		ARIPort:     cfg.Asterisk.ARIPort,
		AppName:     cfg.Asterisk.AppName,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      log,
	})

	return &app{
		cfg:     cfg,
		log:     log,
		pbx:     pbx,
		relay:   relay,
		gateway: gateway,
		orch:    orch,
		handler: handler,
	}
}

// serve runs the PBX connection and the HTTP listener until ctx is cancelled
// or the listener fails.
func (a *app) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		a.log.Info("relay listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	pbxDone := make(chan struct{})
	go func() {
		defer close(pbxDone)
		if err := a.pbx.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			// The control plane stays up and reports the PBX as disconnected.
			a.log.Error("pbx connection abandoned", "error", err)
		}
	}()

	var err error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case lerr, ok := <-listenErr:
		if ok {
			err = fmt.Errorf("listen %s: %w", srv.Addr, lerr)
		}
	}

	cancel()
	a.shutdown(srv)
	<-pbxDone

	return err
}

func (a *app) shutdown(srv *http.Server) {
	a.relay.CloseAll()
	a.gateway.CloseAll()
	_ = a.pbx.Close()
	a.orch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown", "error", err)
	}
}
