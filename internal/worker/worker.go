// Package worker finalizes transactions asynchronously for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/observability"
)

// Finalizer is the part of the award orchestrator the worker drives.
type Finalizer interface {
	Finalize(ctx context.Context, txID string) (*domain.AwardResult, error)
}

// Worker consumes finalize requests from the EventBus.
type Worker struct {
	bus       domain.EventBus
	finalizer Finalizer
	logger    *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	processed     atomic.Int64
	failed        atomic.Int64
	ctx           context.Context
	cancel        context.CancelFunc
}

// Result is published on TopicAwardResult for every handled request.
type Result struct {
	TransactionID string              `json:"transactionId"`
	Award         *domain.AwardResult `json:"award,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, finalizer Finalizer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       eventBus,
		finalizer: finalizer,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to finalize requests.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionFinalize, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTransactionFinalize, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	w.logger.Info("finalization worker started", "topic", domain.TopicTransactionFinalize)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.FinalizeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.TransactionID == "" {
		w.failed.Add(1)
		observability.WorkerMessages.WithLabelValues("invalid").Inc()
		w.logger.Error("failed to parse finalize request",
			"message_id", msg.ID,
			"error", err,
		)
		return fmt.Errorf("%w: malformed finalize request", domain.ErrInvalidInput)
	}

	award, err := w.finalizer.Finalize(ctx, req.TransactionID)
	result := Result{TransactionID: req.TransactionID, Award: award}

	switch {
	case err == nil:
		w.processed.Add(1)
		observability.WorkerMessages.WithLabelValues("ok").Inc()
	case errors.Is(err, domain.ErrAlreadyFinalized):
		w.processed.Add(1)
		observability.WorkerMessages.WithLabelValues("duplicate").Inc()
		result.Error = err.Error()
	default:
		w.failed.Add(1)
		observability.WorkerMessages.WithLabelValues("error").Inc()
		result.Error = err.Error()
		w.logger.Error("async finalization failed",
			"tx_id", req.TransactionID,
			"error", err,
		)
	}

	if pubErr := bus.PublishJSON(ctx, w.bus, domain.TopicAwardResult, result); pubErr != nil {
		w.logger.Error("failed to publish award result",
			"tx_id", req.TransactionID,
			"error", pubErr,
		)
	}

	if reply := msg.Metadata["reply_to"]; reply != "" {
		if pubErr := bus.PublishJSON(ctx, w.bus, reply, result); pubErr != nil {
			w.logger.Warn("failed to reply to finalize request", "tx_id", req.TransactionID, "error", pubErr)
		}
	}

	w.logger.Info("transaction processed",
		"tx_id", req.TransactionID,
		"ok", err == nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return err
}

// Stop unsubscribes the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.logger.Info("finalization worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

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
