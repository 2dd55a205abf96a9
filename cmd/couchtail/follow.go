package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/couchtail/couchtail/internal/config"
	"github.com/couchtail/couchtail/internal/feed"
	"github.com/couchtail/couchtail/internal/notify"
	"github.com/couchtail/couchtail/internal/sequence"
	"github.com/couchtail/couchtail/internal/server"
	"github.com/couchtail/couchtail/internal/sink"
	"github.com/couchtail/couchtail/internal/ws"
)

func followCmd() *cobra.Command {
	var sinceFlags []string

	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Follow the configured change feeds",
		Long: `Follow the _changes feed of every configured database, checkpointing
the position per database so a restart resumes where it left off.

The --since flag overrides the persisted position for this run:

  # resume every database from sequence 0
  couchtail follow --since 0

  # per-database overrides
  couchtail follow --since orders=42 --since users=7-g1AA`,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseSinceFlags(sinceFlags, cfg)
			if err != nil {
				return err
			}
			return runFollow(cmd.Context(), cfg, overrides)
		},
	}

	cmd.Flags().StringArrayVar(&sinceFlags, "since", nil, "initial position override: a bare sequence for all databases, or db=seq (repeatable)")

	return cmd
}

// parseSinceFlags merges --since flags with the config-level override.
// Flags win over config; a bare value applies to every database.
func parseSinceFlags(flags []string, cfg *config.Config) (map[string]string, error) {
	overrides := make(map[string]string)
	if cfg.Feed.Since != "" {
		for _, db := range cfg.Couch.Databases {
			overrides[db] = cfg.Feed.Since
		}
	}

	for _, entry := range flags {
		db, seq, found := strings.Cut(entry, "=")
		if !found {
			for _, database := range cfg.Couch.Databases {
				overrides[database] = entry
			}
			continue
		}
		if !contains(cfg.Couch.Databases, db) {
			return nil, fmt.Errorf("--since names unknown database %q", db)
		}
		overrides[db] = seq
	}
	return overrides, nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// daemon owns one consumer per database and reports their statuses.
type daemon struct {
	consumers []*feed.Consumer
}

func (d *daemon) Statuses() []feed.Status {
	statuses := make([]feed.Status, 0, len(d.consumers))
	for _, c := range d.consumers {
		statuses = append(statuses, c.Status())
	}
	return statuses
}

func runFollow(ctx context.Context, cfg *config.Config, overrides map[string]string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("configuration loaded",
		zap.String("host", cfg.Couch.Host),
		zap.Int("port", cfg.Couch.Port),
		zap.Strings("databases", cfg.Couch.Databases),
		zap.Bool("secure", cfg.Couch.Secure),
		zap.Bool("reconnect", cfg.Feed.Reconnect),
		zap.Duration("reconnectDelay", cfg.Feed.ReconnectDelay()),
		zap.String("sequenceDir", cfg.Sequence.Dir),
	)

	notifyCfg := notify.LoadConfig()
	if err := notifyCfg.Validate(); err != nil {
		return fmt.Errorf("loading notification config: %w", err)
	}
	notifier := notify.New(notifyCfg, logger.Named("notify"))

	// Websocket fan-out rides on the status server.
	var hub *ws.Hub
	if cfg.Server.Enabled {
		hub = ws.NewHub(logger.Named("ws"))
		go hub.Run(ctx)
	}

	sinks := []sink.Sink{sink.NewLogSink(logger.Named("changes"))}
	if cfg.Archive.Enabled {
		sinks = append(sinks, sink.NewArchive(cfg.Archive.Directory, logger.Named("archive")))
	}
	if hub != nil {
		sinks = append(sinks, hub)
	}
	out := sink.NewMulti(sinks...)
	defer func() {
		if err := out.Close(); err != nil {
			logger.Error("closing sinks", zap.Error(err))
		}
	}()

	d := &daemon{}
	for _, database := range cfg.Couch.Databases {
		client, err := feed.NewClient(feed.ClientOptions{
			Host:      cfg.Couch.Host,
			Port:      cfg.Couch.Port,
			Database:  database,
			Username:  cfg.Couch.Username,
			Password:  cfg.Couch.Password,
			Secure:    cfg.Couch.Secure,
			CAFile:    cfg.Couch.CAFile,
			Heartbeat: cfg.Couch.Heartbeat(),
			Timeout:   cfg.Couch.Timeout(),
		}, logger.Named("client"))
		if err != nil {
			return fmt.Errorf("building client for %s: %w", database, err)
		}

		store := sequence.ForDatabase(cfg.Sequence.Dir, database)
		consumer := feed.NewConsumer(client, store, out, feed.ConsumerOptions{
			Database:       database,
			InitialSince:   overrides[database],
			KeepRevision:   cfg.Feed.KeepRevision,
			Reconnect:      cfg.Feed.Reconnect,
			ReconnectDelay: cfg.Feed.ReconnectDelay(),
		}, logger)
		d.consumers = append(d.consumers, consumer)
	}

	// Status server
	var httpServer *http.Server
	if cfg.Server.Enabled {
		router, err := server.NewRouter(server.New(d, hub, logger.Named("server")), logger.Named("server"))
		if err != nil {
			return fmt.Errorf("building status server: %w", err)
		}
		httpServer = &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("status server listening", zap.String("addr", cfg.Server.Listen))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", zap.Error(err))
				cancel()
			}
		}()
	}

	// One worker per database
	var wg sync.WaitGroup
	errCh := make(chan error, len(d.consumers))
	for _, consumer := range d.consumers {
		wg.Add(1)
		go func(c *feed.Consumer) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
				cancel()
			}
		}(consumer)
	}

	wg.Wait()
	close(errCh)

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown", zap.Error(err))
		}
	}

	var firstErr error
	for err := range errCh {
		if firstErr == nil {
			firstErr = err
		}
	}

	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer notifyCancel()
	if err := notifier.SendTerminated(notifyCtx, d.Statuses(), firstErr); err != nil {
		logger.Warn("termination alert failed", zap.Error(err))
	}

	if firstErr != nil {
		logger.Error("follow run failed", zap.Error(firstErr))
		return firstErr
	}

	logger.Info("follow run finished")
	return nil
}
