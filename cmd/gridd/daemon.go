package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banshee-data/bathygrid/internal/config"
	"github.com/banshee-data/bathygrid/internal/grid"
	"github.com/banshee-data/bathygrid/internal/gridrpc"
	"github.com/banshee-data/bathygrid/internal/indexdb"
	"github.com/banshee-data/bathygrid/internal/monitor"
	"github.com/banshee-data/bathygrid/internal/notify"
	"github.com/banshee-data/bathygrid/internal/store"
)

// overrides are command-line values that win over the config file when set.
type overrides struct {
	HTTPListen     string
	GRPCListen     string
	MQTTBroker     string
	RegridInterval time.Duration
}

// daemonConfig is the resolved daemon configuration.
type daemonConfig struct {
	Dir            string
	Grid           *config.GridConfig
	HTTPListen     string
	GRPCListen     string // empty disables gRPC
	MQTTBroker     string // empty disables MQTT
	MQTTPrefix     string
	RegridInterval time.Duration
}

func newDaemonConfig(dir string, cfg *config.GridConfig, o overrides) daemonConfig {
	dc := daemonConfig{
		Dir:            dir,
		Grid:           cfg,
		HTTPListen:     cfg.GetHTTPListen(),
		GRPCListen:     cfg.GetGRPCListen(),
		MQTTBroker:     cfg.GetMQTTBroker(),
		MQTTPrefix:     cfg.GetMQTTTopicPrefix(),
		RegridInterval: cfg.GetRegridInterval(),
	}
	if o.HTTPListen != "" {
		dc.HTTPListen = o.HTTPListen
	}
	switch o.GRPCListen {
	case "":
	case "off":
		dc.GRPCListen = ""
	default:
		dc.GRPCListen = o.GRPCListen
	}
	if o.MQTTBroker != "" {
		dc.MQTTBroker = o.MQTTBroker
	}
	if o.RegridInterval != 0 {
		dc.RegridInterval = o.RegridInterval
	}
	return dc
}

// openOrCreate opens the grid in dir with its index database, creating
// both when dir holds no grid yet.
func openOrCreate(dir string, cfg *config.GridConfig, logger *zap.Logger) (*grid.Grid, *indexdb.DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	db, err := indexdb.Open(filepath.Join(dir, store.IndexFile))
	if err != nil {
		return nil, nil, err
	}
	opts := []grid.Option{grid.WithIndexStore(db), grid.WithLogger(logger.Named("grid"))}

	var g *grid.Grid
	if _, statErr := os.Stat(filepath.Join(dir, store.MetadataFile)); statErr == nil {
		g, err = grid.Open(dir, cfg, opts...)
	} else {
		logger.Info("creating grid", zap.String("dir", dir), zap.String("crs", cfg.GetCRS()))
		if g, err = grid.New(cfg, opts...); err == nil {
			_, err = g.Save(dir)
		}
	}
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return g, db, nil
}

// run serves until ctx is cancelled. The grid is saved on the way out.
func run(ctx context.Context, dc daemonConfig, logger *zap.Logger) error {
	g, db, err := openOrCreate(dc.Dir, dc.Grid, logger)
	if err != nil {
		return fmt.Errorf("open grid %s: %w", dc.Dir, err)
	}
	defer db.Close()
	info := g.Info()
	logger.Info("grid ready",
		zap.String("dir", dc.Dir),
		zap.Int("tiles", info.TileCount),
		zap.Int("containers", len(info.Containers)))

	regridder := grid.NewRegridder(grid.RegridderConfig{
		Grid:     g,
		Dir:      dc.Dir,
		Interval: dc.RegridInterval,
		Logger:   logger.Named("regridder"),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	fail := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
		cancel()
	}

	// The gRPC server registers its regrid hook first so that it is live
	// before the first pass.
	var rpc *gridrpc.Server
	if dc.GRPCListen != "" {
		rpc = gridrpc.NewServer(gridrpc.Config{
			Grid:       g,
			Regridder:  regridder,
			ListenAddr: dc.GRPCListen,
			Logger:     logger.Named("gridrpc"),
		})
		if err := rpc.Start(); err != nil {
			return err
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := regridder.Run(ctx); err != nil {
			fail(fmt.Errorf("regridder: %w", err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ws := monitor.NewWebServer(monitor.WebServerConfig{
			Address:   dc.HTTPListen,
			Grid:      g,
			Regridder: regridder,
			Logger:    logger.Named("monitor"),
		})
		if err := ws.Start(ctx); err != nil {
			fail(fmt.Errorf("HTTP server: %w", err))
		}
	}()

	var mqttClient atomic.Pointer[mqttHandle]
	if dc.MQTTBroker != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := startNotifier(ctx, dc, g, logger.Named("notify"))
			if err != nil {
				if ctx.Err() == nil {
					fail(err)
				}
				return
			}
			mqttClient.Store(h)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if rpc != nil {
		rpc.Stop()
	}
	wg.Wait()
	if h := mqttClient.Load(); h != nil {
		published, failed := h.notifier.Stats()
		logger.Info("disconnecting from MQTT broker", zap.Int("published", published), zap.Int("failed", failed))
		h.client.Disconnect(250)
	}

	// Without a running regridder there was no final pass to save the grid.
	if dc.RegridInterval <= 0 {
		if _, err := g.Save(dc.Dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type mqttHandle struct {
	client   mqtt.Client
	notifier *notify.Notifier
}

// startNotifier connects to the broker, then publishes regrid passes and
// listens for source modifications.
func startNotifier(ctx context.Context, dc daemonConfig, g *grid.Grid, logger *zap.Logger) (*mqttHandle, error) {
	var current atomic.Pointer[notify.Notifier]
	client, err := notify.Connect(ctx, notify.Options{
		Broker:   dc.MQTTBroker,
		ClientID: "gridd-" + uuid.NewString()[:8],
		OnConnect: func(c mqtt.Client) {
			// Renew the subscription after a reconnect; the first one is
			// made below once the notifier exists.
			if n := current.Load(); n != nil {
				n.OnConnect(c)
			}
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	n := notify.New(notify.Config{Client: client, Grid: g, Prefix: dc.MQTTPrefix, QoS: 1, Logger: logger})
	if err := n.Subscribe(); err != nil {
		client.Disconnect(250)
		return nil, err
	}
	if err := n.Attach(); err != nil {
		logger.Warn("failed to publish initial status", zap.Error(err))
	}
	current.Store(n)
	return &mqttHandle{client: client, notifier: n}, nil
}
