// Command gridd serves a grid directory: it regrids and saves on an
// interval, and exposes the grid over HTTP, gRPC and optionally MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/bathygrid/internal/config"
	"github.com/banshee-data/bathygrid/internal/monitoring"
	"github.com/banshee-data/bathygrid/internal/version"
)

var (
	configFile     = flag.String("config", "", "grid config file (JSON or YAML)")
	dataDir        = flag.String("dir", "grid", "grid directory, created when missing")
	devMode        = flag.Bool("dev", false, "human-readable debug logs")
	logLevel       = flag.String("log-level", "", "log level (default info, debug with --dev)")
	listen         = flag.String("listen", "", "HTTP listen address (overrides http_listen)")
	grpcListen     = flag.String("grpc-listen", "", "gRPC listen address (overrides grpc_listen, \"off\" disables)")
	mqttBroker     = flag.String("mqtt-broker", "", "MQTT broker URL (overrides mqtt_broker)")
	regridInterval = flag.Duration("regrid-interval", 0, "regrid and save interval (overrides regrid_interval)")
	showVersion    = flag.Bool("version", false, "print the version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("gridd"))
		return
	}

	logger, err := monitoring.NewLogger(*logLevel, *devMode)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	monitoring.SetLogger(logger)

	cfg := config.EmptyGridConfig()
	if *configFile != "" {
		if cfg, err = config.LoadGridConfig(*configFile); err != nil {
			logger.Fatal("failed to load config", zap.String("path", *configFile), zap.Error(err))
		}
	}

	dc := newDaemonConfig(*dataDir, cfg, overrides{
		HTTPListen:     *listen,
		GRPCListen:     *grpcListen,
		MQTTBroker:     *mqttBroker,
		RegridInterval: *regridInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := run(ctx, dc, logger); err != nil {
		logger.Error("gridd failed", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("graceful shutdown complete", zap.Duration("uptime", time.Since(start)))
}
