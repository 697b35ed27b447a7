package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/tagwatch/internal/api"
	"github.com/srg/tagwatch/internal/devicefactory"
	"github.com/srg/tagwatch/internal/groutine"
	"github.com/srg/tagwatch/internal/history"
	"github.com/srg/tagwatch/internal/session"
	"github.com/srg/tagwatch/internal/sink"
	"github.com/srg/tagwatch/pkg/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session behind an HTTP/WebSocket API",
	Long: `Run the tag session headless. The session is exposed over HTTP and
streamed over a WebSocket; readings are forwarded to MongoDB and/or MQTT
when those are configured.

SIGINT/SIGTERM disconnects all tags and shuts the HTTP server down gracefully.`,
	RunE: runServe,
}

var (
	serveAddr   string
	serveNoScan bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides http.addr)")
	serveCmd.Flags().BoolVar(&serveNoScan, "no-scan", false, "Do not start scanning until POST /api/scan/toggle")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
	}
	cmd.SilenceUsage = true

	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	prof, err := cfg.BuildProfile(logger)
	if err != nil {
		return err
	}
	defer prof.Close()

	adapter, err := devicefactory.NewAdapter(cfg, logger)
	if err != nil {
		return err
	}
	ctrl, err := session.New(adapter, prof, cfg.SessionOptions(), logger)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hist, err := history.New(ctrl.Observe(int(cfg.History.Size)).C(), cfg.History.Size, logger)
	if err != nil {
		return err
	}
	if err := hist.Start(); err != nil {
		return err
	}
	defer hist.Stop()

	broadcaster := api.NewBroadcaster(ctrl.Snapshot, cfg.HTTP.BroadcastThrottle, logger)
	defer broadcaster.Close()
	wsEvents := ctrl.Observe(session.DefaultObserverCapacity).C()
	groutine.Go(ctx, "ws-broadcaster", func(ctx context.Context) {
		broadcaster.Run(ctx, wsEvents)
	})

	sinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if len(sinks) > 0 {
		dispatcher := sink.NewDispatcher(cfg.Mongo.SendInterval, logger, sinks...)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := dispatcher.Close(closeCtx); err != nil {
				logger.WithError(err).Warn("Failed to close sinks")
			}
		}()
		sampleEvents := ctrl.Observe(session.DefaultObserverCapacity).C()
		groutine.Go(ctx, "sample-dispatcher", func(ctx context.Context) {
			_ = dispatcher.Run(ctx, sampleEvents)
		})
	}

	server := api.NewServer(ctrl, hist, broadcaster, logger)
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	groutine.Go(ctx, "http-server", func(context.Context) {
		logger.WithField("addr", cfg.HTTP.Addr).Info("HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	})

	if !serveNoScan {
		if err := ctrl.StartScan(); err != nil {
			return err
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	ctrl.Teardown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown failed")
	}
	return runErr
}

// buildSinks connects every configured reading sink
func buildSinks(ctx context.Context, cfg *config.Config, logger *logrus.Logger) ([]sink.Sink, error) {
	var sinks []sink.Sink

	if cfg.Mongo.Enabled() {
		m, err := sink.NewMongoSink(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, m)
	}

	if cfg.MQTT.Enabled() {
		m, err := sink.NewMQTTSink(sink.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
			Retained: cfg.MQTT.Retained,
		}, logger)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close(ctx)
			}
			return nil, err
		}
		sinks = append(sinks, m)
	}
	return sinks, nil
}
