package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/abkawan/atomic-ledger/internal/models"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	// queue for balance-changed events
	BalanceQueue = "balance-updates"
)

// handles RabbitMQ operations
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
	log     *zap.Logger

	// amqp channels are not safe for concurrent publishing
	publishMu sync.Mutex
}

func NewRabbitMQ(uri string, log *zap.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		BalanceQueue, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare a queue: %w", err)
	}

	return &RabbitMQ{
		conn:    conn,
		channel: ch,
		queue:   q,
		log:     log,
	}, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		return err
	}
	return r.conn.Close()
}

// encodeEvent builds the persistent message for a balance event
func encodeEvent(event models.BalanceEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal balance event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent, // make message persistent
		Timestamp:    event.At,
		MessageId:    event.TransactionRef + ":" + event.AccountID.String(),
	}, nil
}

// NotifyBalanceChanged publishes one balance event to the queue.
func (r *RabbitMQ) NotifyBalanceChanged(ctx context.Context, event models.BalanceEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := encodeEvent(event)
	if err != nil {
		return err
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	err = r.channel.Publish(
		"",           // exchange
		r.queue.Name, // routing key
		false,        // mandatory
		false,        // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("failed to publish a message: %w", err)
	}
	return nil
}

// consumes balance events from the queue
func (r *RabbitMQ) ConsumeBalanceEvents(ctx context.Context) (<-chan models.BalanceEvent, error) {
	msgs, err := r.channel.Consume(
		r.queue.Name, // queue
		"",           // consumer
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register a consumer: %w", err)
	}

	events := make(chan models.BalanceEvent)

	go func() {
		defer close(events)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				event, err := decodeEvent(msg.Body)
				if err != nil {
					r.log.Warn("dropping malformed balance event", zap.Error(err))
					msg.Reject(false) // Don't requeue
					continue
				}

				select {
				case events <- event:
					msg.Ack(false)
				case <-ctx.Done():
					msg.Nack(false, true)
					return
				}
			}
		}
	}()

	return events, nil
}

func decodeEvent(body []byte) (models.BalanceEvent, error) {
	var event models.BalanceEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal balance event: %w", err)
	}
	return event, nil
}
