// Package worker runs detection requests received over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/typology"
)

// Runner runs every active typology over a case. The orchestrator
// publishes the completion event itself.
type Runner interface {
	Run(ctx context.Context, caseID string) (*typology.RunResult, error)
}

// Config holds worker configuration.
type Config struct {
	// Concurrency is how many cases may run at once. Defaults to 2.
	Concurrency int
}

// Worker consumes detection requests. Requests for a case that is already
// running join the in-flight run instead of starting another.
type Worker struct {
	bus    domain.EventBus
	runner Runner

	sem      *semaphore.Weighted
	inflight singleflight.Group

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker.
func NewWorker(bus domain.EventBus, runner Runner, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		runner: runner,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to detection requests.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicDetectionRequested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started", "topic", domain.TopicDetectionRequested)
	return nil
}

// handleMessage hands the request to its own goroutine so a long run does
// not hold up the subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req domain.DetectionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.failed.Add(1)
		return fmt.Errorf("failed to parse detection request %s: %w", msg.ID, err)
	}
	if req.CaseID == "" {
		w.failed.Add(1)
		return fmt.Errorf("detection request %s has no case id", msg.ID)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.process(req, msg.ID)
	}()
	return nil
}

func (w *Worker) process(req domain.DetectionRequest, messageID string) {
	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		slog.Warn("dropping detection request on shutdown", "case_id", req.CaseID, "message_id", messageID)
		return
	}
	defer w.sem.Release(1)

	start := time.Now()
	v, err, shared := w.inflight.Do(req.CaseID, func() (any, error) {
		return w.runner.Run(w.ctx, req.CaseID)
	})
	if err != nil {
		w.failed.Add(1)
		slog.Error("detection run failed",
			"case_id", req.CaseID,
			"message_id", messageID,
			"error", err,
		)
		return
	}

	w.processed.Add(1)
	result := v.(*typology.RunResult)
	slog.Info("detection request processed",
		"case_id", req.CaseID,
		"run_id", result.RunID,
		"requested_by", req.RequestedBy,
		"detections", len(result.Detections),
		"shared", shared,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes and waits for in-flight runs. Runs still waiting for a
// slot are dropped; running ones see their context cancelled.
func (w *Worker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
	w.subscriptions = nil

	w.cancel()
	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats describes worker activity.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
