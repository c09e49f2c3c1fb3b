package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/habitus-home/habitus-platform/pkg/clock"
	"github.com/habitus-home/habitus-platform/pkg/config"
	"github.com/habitus-home/habitus-platform/pkg/mqtt"
	"github.com/habitus-home/habitus-platform/pkg/redis"
)

// Agent runs the decay and advancement passes on independent tickers and
// accepts manual triggers over the bus for test and admin use.
type Agent struct {
	mqtt     mqtt.Client
	redis    redis.Client
	decayer  *Decayer
	advancer *Advancer
	clock    clock.Clock
	cfg      *config.Config
	logger   *slog.Logger

	decayTrigger   chan struct{}
	advanceTrigger chan struct{}
}

// NewAgent creates a scheduler agent.
func NewAgent(mqttClient mqtt.Client, redisClient redis.Client, decayer *Decayer, advancer *Advancer, clk clock.Clock, cfg *config.Config, logger *slog.Logger) *Agent {
	return &Agent{
		mqtt:           mqttClient,
		redis:          redisClient,
		decayer:        decayer,
		advancer:       advancer,
		clock:          clk,
		cfg:            cfg,
		logger:         logger,
		decayTrigger:   make(chan struct{}, 1),
		advanceTrigger: make(chan struct{}, 1),
	}
}

// Start connects to the bus, wires the manual triggers, and runs both
// passes until the context is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting scheduler agent",
		"service_name", a.cfg.ServiceName,
		"decay_interval_sec", a.cfg.DecayIntervalSec,
		"advance_interval_sec", a.cfg.AdvanceIntervalSec)

	if err := a.mqtt.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT: %w", err)
	}
	if err := a.redis.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	if mgr, ok := a.clock.(*clock.Manager); ok {
		if err := mgr.ConfigureFromMQTT(a.mqtt); err != nil {
			a.logger.Warn("Failed to subscribe to time config", "error", err)
		}
	}

	if err := a.mqtt.Subscribe(mqtt.TopicTriggerDecay, 0, a.onTrigger(a.decayTrigger, "decay")); err != nil {
		a.logger.Warn("Failed to subscribe to decay trigger", "error", err)
	}
	if err := a.mqtt.Subscribe(mqtt.TopicTriggerAdvance, 0, a.onTrigger(a.advanceTrigger, "advance")); err != nil {
		a.logger.Warn("Failed to subscribe to advance trigger", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.loop(ctx, "decay",
			time.Duration(a.cfg.DecayIntervalSec)*time.Second,
			a.decayTrigger,
			func(ctx context.Context) error {
				_, err := a.decayer.Run(ctx)
				return err
			})
	})

	g.Go(func() error {
		return a.loop(ctx, "advance",
			time.Duration(a.cfg.AdvanceIntervalSec)*time.Second,
			a.advanceTrigger,
			func(ctx context.Context) error {
				_, err := a.advancer.Run(ctx)
				return err
			})
	})

	err := g.Wait()
	a.logger.Info("Scheduler agent stopping")
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Stop disconnects from the bus.
func (a *Agent) Stop() error {
	a.logger.Info("Stopping scheduler agent")
	a.mqtt.Disconnect()
	return nil
}

// loop runs one pass on a ticker and on manual triggers. A failing pass
// is logged and retried on the next tick.
func (a *Agent) loop(ctx context.Context, name string, interval time.Duration, trigger <-chan struct{}, run func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-trigger:
			a.logger.Info("Manual pass triggered", "pass", name)
		}

		if err := run(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Error("Pass failed", "pass", name, "error", err)
		}
	}
}

func (a *Agent) onTrigger(trigger chan<- struct{}, name string) mqtt.MessageHandler {
	return func(msg mqtt.Message) {
		select {
		case trigger <- struct{}{}:
		default:
			a.logger.Debug("Trigger already queued", "pass", name)
		}
	}
}
