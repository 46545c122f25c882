package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/hashlb/pkg/config"
	"github.com/hashlb/pkg/logging"
	"github.com/hashlb/pkg/routing"
	"github.com/hashlb/pkg/server"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").Default(":9090").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()
	bindAddr      = kingpin.Flag("bind-addr", "Address the proxy listens on for client connections.").Default(":7000").String()
	backendList   = kingpin.Flag("backends", "Comma-separated backend addresses (host:port), overrides config file.").Default("").String()
)

func main() {
	kingpin.Parse()

	appConfig, err := config.LoadConfig(*configFile)
	if err != nil {
		// If config file doesn't exist, continue with defaults
		logging.Logf("Warning: Failed to load config file: %v, using defaults", err)
		appConfig = &config.Config{}
		appConfig.SetDefaults()
		appConfig.ApplyEnvOverrides()
	}

	// Command line overrides
	if *bindAddr != "" {
		appConfig.Listen.BindAddr = *bindAddr
	}
	if *listenAddress != "" {
		appConfig.Listen.ListenAddress = *listenAddress
	}
	if *telemetryPath != "" {
		appConfig.Listen.TelemetryPath = *telemetryPath
	}
	if *backendList != "" {
		backends, err := routing.ParseBackendList(*backendList)
		if err != nil {
			logging.Fatalf("Invalid --backends: %v", err)
		}
		appConfig.Backends = backends
	}

	logging.Logf("Balancer initialized with ID: %s", logging.GetInstanceID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logging.Log("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	proxyServer, err := server.NewProxyServer(appConfig)
	if err != nil {
		logging.Fatalf("Failed to create server: %v", err)
	}

	if err := proxyServer.Run(ctx); err != nil && ctx.Err() == nil {
		logging.Fatalf("Server error: %v", err)
	}
	logging.Flush()
}
