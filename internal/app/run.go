package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"cloudpico-ota/internal/agent"
	"cloudpico-ota/internal/config"
	"cloudpico-ota/internal/db"
	"cloudpico-ota/internal/httpapi"
	"cloudpico-ota/internal/jobs"
	"cloudpico-ota/internal/metrics"
	"cloudpico-ota/internal/migrate"
	"cloudpico-ota/internal/mqtt"
	"cloudpico-ota/internal/ota"
)

// stallTimeout is how long a download may go without a block before the
// missing part of the window is requested again.
const stallTimeout = 15 * time.Second

func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"thingName", cfg.ThingName,
		"blockSize", cfg.BlockSize,
		"windowBlocks", cfg.WindowBlocks,
		"statusInterval", cfg.StatusInterval,
		"imageDir", cfg.ImageDir,
		"firmwareVersion", cfg.FirmwareVersion,
		"sqlitePath", cfg.SQLitePath,
	)

	dbConn, err := db.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(dbConn); closeErr != nil {
			slog.Error("db close", "error", closeErr)
		}
	}()

	if _, err := migrate.Run(dbConn); err != nil {
		return err
	}

	repo := jobs.NewRepository(dbConn)
	m := metrics.New()

	mqttClient, err := mqtt.NewClient(cfg, slog.Default())
	if err != nil {
		return err
	}

	ag := agent.New(agent.Options{
		ThingName:      cfg.ThingName,
		BlockSize:      cfg.BlockSize,
		WindowBlocks:   cfg.WindowBlocks,
		StatusInterval: cfg.StatusInterval,
		Version:        cfg.FirmwareVersion,
		HexUpper:       cfg.HexUpper,
	}, mqttClient, repo, agent.FileStore{Dir: cfg.ImageDir}, m, slog.Default())

	var lastBlock atomic.Int64
	lastBlock.Store(time.Now().UnixNano())

	// Registered before Connect; the client subscribes on every (re)connect
	// and then runs the ready hook.
	if err := subscribe(cfg, mqttClient, ag, &lastBlock); err != nil {
		return err
	}
	mqttClient.SetOnReady(func() {
		if err := ag.Resume(); err != nil {
			slog.Error("resume download", "error", err)
		}
		if err := ag.RequestNextJob(); err != nil {
			slog.Warn("request next job", "error", err)
		}
	})

	mux := httpapi.NewMux(dbConn, repo, m, mqttClient)
	srv := httpapi.NewServer(cfg, mux)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := mqttClient.Connect(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		return nil
	})

	g.Go(func() error {
		watchStalls(gctx, ag, &lastBlock)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		slog.Info("mqtt disconnecting")
		mqttClient.Disconnect()

		slog.Info("http shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func subscribe(cfg config.Config, c *mqtt.Client, ag *agent.Agent, lastBlock *atomic.Int64) error {
	var buf [ota.TopicMaxLen]byte

	onJob := func(topic string, payload []byte) {
		if err := ag.HandleJob(payload); err != nil {
			slog.Error("handle job", "topic", topic, "error", err)
		}
	}
	onBlock := func(topic string, payload []byte) {
		lastBlock.Store(time.Now().UnixNano())
		if err := ag.HandleBlock(payload); err != nil {
			slog.Warn("handle block", "topic", topic, "error", err)
		}
	}
	onRejected := func(topic string, payload []byte) {
		slog.Warn("job request rejected", "topic", topic, "payload", string(payload))
	}

	subs := []struct {
		build   func([]byte, string) (int, error)
		handler mqtt.Handler
	}{
		{ota.NotifyNextTopic, onJob},
		{ota.GetNextAcceptedTopic, onJob},
		{ota.GetNextRejectedTopic, onRejected},
		{ota.StreamDataFilter, onBlock},
	}
	for _, s := range subs {
		n, err := s.build(buf[:], cfg.ThingName)
		if err != nil {
			return err
		}
		if err := c.Subscribe(string(buf[:n]), s.handler); err != nil {
			return err
		}
	}
	return nil
}

func watchStalls(ctx context.Context, ag *agent.Agent, lastBlock *atomic.Int64) {
	ticker := time.NewTicker(stallTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, _, _, ok := ag.Progress(); !ok {
			continue
		}
		idle := time.Since(time.Unix(0, lastBlock.Load()))
		if idle < stallTimeout {
			continue
		}
		slog.Info("download stalled; re-requesting window", "idle", idle.Round(time.Second))
		if err := ag.RetryWindow(); err != nil {
			slog.Warn("retry window", "error", err)
		}
		lastBlock.Store(time.Now().UnixNano())
	}
}
