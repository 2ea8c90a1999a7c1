package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/markdave123-py/Somnia/internal/telemetry"
)

// WakeConsumer drains the wake queue and pokes the local worker pool for
// every message, so new work starts without waiting for the poll interval.
type WakeConsumer struct {
	conn      *amqp.Connection
	queueName string
	onWake    func()
	log       *slog.Logger
	metrics   *telemetry.MetricsCollector

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWakeConsumer(conn *amqp.Connection, queueName string, onWake func(), log *slog.Logger, metrics *telemetry.MetricsCollector) *WakeConsumer {
	if metrics == nil {
		metrics = telemetry.NewMetricsCollector()
	}
	return &WakeConsumer{
		conn:      conn,
		queueName: queueName,
		onWake:    onWake,
		log:       log.With("component", "wake_consumer"),
		metrics:   metrics,
	}
}

func (w *WakeConsumer) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	ch, err := w.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel failed: %w", err)
	}
	if err := declareWakeQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		return err
	}
	// A wake is idempotent; there is no point buffering many per consumer.
	if err := ch.Qos(8, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set consumer qos failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-consumerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					w.log.Warn("wake deliveries channel closed")
					return
				}
				if w.handle(d.Body) {
					_ = d.Ack(false)
				} else {
					_ = d.Nack(false, false)
				}
			}
		}
	}()

	w.log.Info("wake consumer started", "queue", w.queueName)
	return nil
}

// handle decodes one delivery and wakes the pool. Malformed bodies are
// rejected without requeue.
func (w *WakeConsumer) handle(body []byte) bool {
	var msg WakeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		w.log.Warn("decode wake message failed", "error", err)
		return false
	}
	w.metrics.IncrementCounter(telemetry.MetricWakeupsReceived, 1)
	w.log.Debug("wake received", "document_id", msg.DocumentID)
	if w.onWake != nil {
		w.onWake()
	}
	return true
}

func (w *WakeConsumer) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
