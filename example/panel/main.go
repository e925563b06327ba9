package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/iamxvbaba/panelrelay"
)

// stdoutFrame 以标准输出充当内容帧
type stdoutFrame struct{}

func (stdoutFrame) Post(message string) error {
	_, err := fmt.Println(message)
	return err
}

func main() {
	var (
		hostURL = pflag.String("host", "ws://127.0.0.1:9229/panel", "host channel URL")
		view    = pflag.String("view", "", "view id (random when empty)")
		secret  = pflag.String("secret", "", "panel secret")
		verbose = pflag.BoolP("verbose", "v", false, "debug logging")
	)
	pflag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	logger, _, err := panelrelay.NewLogger(panelrelay.LogConfig{Level: level, Output: "stderr"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	opts := panelrelay.DefaultOptions()
	opts.HeartbeatInterval = 10 * time.Second
	opts.ReconnectEnabled = true
	opts.ReconnectMaxBackoff = 10 * time.Second

	client, err := panelrelay.ConnectWithOptions(*hostURL, *view, *secret, &opts, logger)
	if err != nil {
		logger.Error("connect", "error", err)
		os.Exit(1)
	}

	bridge := panelrelay.NewBridge(client, logger)
	router := panelrelay.NewRouter(panelrelay.RouterConfig{
		Bridge:        bridge,
		WatchdogDelay: opts.WatchdogDelay,
		OnFailure: func() {
			logger.Error("panel failed to start")
		},
		Logger: logger,
	})
	client.OnFrame(func(frame string) { router.Route(panelrelay.OriginHost, frame) })
	client.OnReconnect(func() {
		if err := bridge.Ready(); err != nil {
			logger.Warn("ready after reconnect", "error", err)
		}
	})

	router.Start()
	router.BindContent(stdoutFrame{})

	// 每行标准输入是一条内容帧请求，如 {"id":1,"method":"ready"}
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
		for scanner.Scan() {
			router.Route(panelrelay.OriginContent, scanner.Text())
		}
	}()

	// 监听信号并优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	router.Stop()
	_ = client.Close()
}
