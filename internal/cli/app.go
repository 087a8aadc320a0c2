package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/aggregator"
	"github.com/rcliao/care-companion/internal/alert"
	"github.com/rcliao/care-companion/internal/classifier"
	"github.com/rcliao/care-companion/internal/config"
	"github.com/rcliao/care-companion/internal/emergency"
	"github.com/rcliao/care-companion/internal/events"
	"github.com/rcliao/care-companion/internal/metrics"
	"github.com/rcliao/care-companion/internal/pipeline"
	"github.com/rcliao/care-companion/internal/scheduler"
	"github.com/rcliao/care-companion/internal/store"
)

// app holds the wired components shared by serve and the one-shot commands.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *store.SQLiteStore
	metrics    *metrics.Collector
	contexts   *aggregator.Aggregator
	guard      *classifier.Guard
	dispatcher *alert.Dispatcher
	broadcast  *events.Broadcaster
	emergency  *emergency.Manager
	pipeline   *pipeline.Pipeline
	scheduler  *scheduler.Scheduler
}

func contextOptions(cfg *config.Config) aggregator.Options {
	return aggregator.Options{
		MaxTurns:        cfg.Context.MaxTurns,
		MaxChars:        cfg.Context.MaxChars,
		ReminderHorizon: cfg.Context.ReminderHorizon,
		EventLookback:   cfg.Context.EventLookback,
		EventLookahead:  cfg.Context.EventLookahead,
		AdherenceWindow: cfg.Context.AdherenceWindow,
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: s, metrics: metrics.New("care_companion")}

	provider, err := classifier.NewProvider(cfg.Classifier)
	if err != nil {
		s.Close()
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		s.Close()
		return nil, err
	}

	a.contexts = aggregator.New(aggregator.Sources{
		Patients: s, Turns: s, Medications: s, Reminders: s, Events: s,
	}, contextOptions(cfg), logger)
	a.guard = classifier.NewGuard(provider, cfg.Classifier.Timeout, logger, a.metrics)

	channels := alert.ChannelsFromConfig(cfg, s, logger)
	a.dispatcher = alert.NewDispatcher(s, channels, alert.PolicyFromConfig(cfg.Alert), cfg.Alert.DedupWindow, logger, a.metrics)

	a.broadcast = events.NewBroadcaster(logger)
	notifier := events.Multi{events.SinkNotifier{Sink: a.broadcast}}
	if cfg.Events.EventBridgeBus != "" {
		pub, err := events.NewEventBridgePublisherFromEnv(ctx, cfg.Events.EventBridgeBus, cfg.Events.Source, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("eventbridge: %w", err)
		}
		notifier = append(notifier, events.SinkNotifier{Sink: pub})
	}

	a.emergency = emergency.NewManager(s, a.dispatcher, notifier, emergency.Options{
		Threshold:    cfg.Threshold(),
		ActionWindow: cfg.Emergency.ActionWindow,
	}, logger, a.metrics)

	a.pipeline = pipeline.New(s, a.contexts, a.guard, a.emergency, pipeline.Options{
		Workers:   cfg.Pipeline.Workers,
		QueueSize: cfg.Pipeline.QueueSize,
	}, logger, a.metrics)

	a.scheduler = scheduler.New(s, a.contexts, a.dispatcher, scheduler.Options{
		Tick:               cfg.Scheduler.Tick,
		Location:           loc,
		AdherenceThreshold: cfg.Scheduler.AdherenceThreshold,
		AdherenceWindow:    cfg.Context.AdherenceWindow,
		Concurrency:        cfg.Scheduler.Concurrency,
	}, logger, a.metrics)

	return a, nil
}

// applyConfig pushes the runtime-tunable settings of a reloaded config.
func (a *app) applyConfig(cfg *config.Config) {
	a.guard.SetTimeout(cfg.Classifier.Timeout)
	a.dispatcher.SetRetryPolicy(alert.PolicyFromConfig(cfg.Alert))
	a.dispatcher.SetDedupWindow(cfg.Alert.DedupWindow)
	a.emergency.SetThreshold(cfg.Threshold())
	a.emergency.SetActionWindow(cfg.Emergency.ActionWindow)
}

// close stops workers and timers, waits for in-flight escalations and
// closes the store.
func (a *app) close() {
	a.scheduler.Stop()
	a.pipeline.Close()
	a.emergency.Close()
	a.store.Close()
	a.logger.Sync()
}

func mustApp(ctx context.Context, quiet bool) *app {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("config", err)
	}
	a, err := newApp(ctx, cfg, newLogger(cfg, quiet))
	if err != nil {
		exitErr("init", err)
	}
	return a
}
