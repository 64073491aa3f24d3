package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tracerelay/internal/config"
	"tracerelay/internal/forward"
	"tracerelay/internal/forward/kafka"
	"tracerelay/internal/forward/rabbitmq"
	"tracerelay/internal/relay"
	"tracerelay/internal/source"
	"tracerelay/internal/storage"
	"tracerelay/internal/storage/sqlite"

	"github.com/fsnotify/fsnotify"
)

func main() {
	cfgPath := flag.String("config", "tracerelay.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.NewStore(cfg.Storage.Dir)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	limits := storage.Limits{MaxSizeBytes: cfg.Destination.MaxSizeBytes, Overflow: cfg.OverflowPolicy()}
	engine := relay.New(cfg.Destination.Name, limits, source.NewExtractor(cfg.Source.Path), store, log.Default())

	forwarders, err := buildForwarders(cfg)
	if err != nil {
		log.Fatalf("forwarders: %v", err)
	}
	for _, f := range forwarders {
		engine.AddForwarder(f)
		defer f.Close()
	}

	if !cfg.Watch.Enabled {
		report, err := engine.Run(ctx)
		if err != nil {
			log.Fatalf("sync failed: %v", err)
		}
		log.Printf("done: extracted=%d appended=%d", report.Extracted, report.Appended)
		return
	}

	if err := watchLoop(ctx, cfg, engine); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("watch: %v", err)
	}
}

func buildForwarders(cfg config.Config) ([]forward.Forwarder, error) {
	var out []forward.Forwarder
	if cfg.Forward.Kafka.Enabled {
		f, err := kafka.NewForwarder(kafka.Config{
			Enabled:  true,
			Brokers:  cfg.Forward.Kafka.Brokers,
			Topic:    cfg.Forward.Kafka.Topic,
			ClientID: cfg.Forward.Kafka.ClientID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if cfg.Forward.RabbitMQ.Enabled {
		f, err := rabbitmq.NewForwarder(rabbitmq.Config{
			Enabled:    true,
			URL:        cfg.Forward.RabbitMQ.URL,
			Exchange:   cfg.Forward.RabbitMQ.Exchange,
			RoutingKey: cfg.Forward.RabbitMQ.RoutingKey,
		})
		if err != nil {
			return nil, err
		}
		if err := f.Open(); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// watchLoop re-runs the sync whenever the source file changes, with a
// ticker as a fallback for missed filesystem events. The guard skips a
// trigger that lands while a run is still in flight; the next trigger
// picks up whatever that run missed.
func watchLoop(ctx context.Context, cfg config.Config, engine *relay.Engine) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(cfg.Source.Path)); err != nil {
		return err
	}

	guard := relay.NewGuard()
	runOnce := func() {
		if !guard.TryAcquire(cfg.Destination.Name) {
			log.Printf("run already in flight for %q, skipping trigger", cfg.Destination.Name)
			return
		}
		defer guard.Release(cfg.Destination.Name)
		if _, err := engine.Run(ctx); err != nil {
			log.Printf("sync failed: %v", err)
		}
	}

	ticker := time.NewTicker(cfg.Watch.Interval)
	defer ticker.Stop()

	runOnce()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runOnce()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != cfg.Source.Path {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				runOnce()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("watcher error: %v", err)
		}
	}
}
