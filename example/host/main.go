package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/iamxvbaba/panelrelay"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "YAML config file")
		listen     = pflag.String("listen", "", "listen address (overrides config)")
		target     = pflag.String("target", "", "debug target websocket URL (overrides config)")
		secret     = pflag.String("secret", "", "panel secret (overrides config)")
		logLevel   = pflag.String("log-level", "", "debug, info, warn or error")
	)
	pflag.Parse()

	cfg, err := panelrelay.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *target != "" {
		cfg.Target = *target
	}
	if *secret != "" {
		cfg.Secret = *secret
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, closeLog, err := panelrelay.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	prefs, err := panelrelay.NewFilePreferenceStore(cfg.PreferencesFile)
	if err != nil {
		logger.Error("load preferences", "error", err)
		os.Exit(1)
	}
	fetcher := panelrelay.NewGuardedFetcher(
		&panelrelay.HTTPFetcher{Client: &http.Client{Timeout: cfg.FetchTimeout}},
		cfg.FetchGuard, logger,
	)
	host := &panelrelay.HostService{
		Preferences:  prefs,
		Fetcher:      fetcher,
		Telemetry:    &panelrelay.LogTelemetry{Logger: logger},
		FetchTimeout: cfg.FetchTimeout,
		Logger:       logger,
	}

	opts := cfg.Options()
	server := panelrelay.NewServer(&panelrelay.SecretAuth{Secret: cfg.Secret}, host, &opts, logger)

	// 连接/断开钩子
	server.OnConnect(func(c *panelrelay.Conn) {
		logger.Info("panel connected", "view", c.ID)
	})
	server.OnDisconnect(func(c *panelrelay.Conn) {
		logger.Info("panel disconnected", "view", c.ID)
	})

	go func() {
		if err := server.Serve(cfg.Listen); err != nil {
			logger.Error("serve", "error", err)
			os.Exit(1)
		}
	}()

	// 监听系统信号并优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("shutdown", "error", err)
	}
}
