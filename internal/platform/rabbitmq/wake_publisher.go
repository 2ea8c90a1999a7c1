package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/markdave123-py/Somnia/internal/core"
)

var _ core.WakeNotifier = (*WakePublisher)(nil)

// WakeMessage tells worker processes that a document was enqueued. It is a
// hint only; the job table stays the source of truth and pollers pick the job
// up on their next tick even if the message is lost.
type WakeMessage struct {
	DocumentID string    `json:"document_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type WakePublisher struct {
	conn      *amqp.Connection
	queueName string
	now       func() time.Time
}

func NewWakePublisher(conn *amqp.Connection, queueName string) *WakePublisher {
	return &WakePublisher{
		conn:      conn,
		queueName: queueName,
		now:       time.Now,
	}
}

func (p *WakePublisher) NotifyEnqueued(ctx context.Context, documentID string) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	if err := declareWakeQueue(ch, p.queueName); err != nil {
		return err
	}

	payload, err := json.Marshal(WakeMessage{DocumentID: documentID, EnqueuedAt: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal wake message failed: %w", err)
	}

	if err := ch.PublishWithContext(
		ctx,
		"",
		p.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Transient,
		},
	); err != nil {
		return fmt.Errorf("publish wake message failed: %w", err)
	}
	return nil
}
