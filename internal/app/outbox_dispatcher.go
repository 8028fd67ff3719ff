package app

import (
	"context"
	"log"
	"time"

	"github.com/transfa/portfolio-service/internal/store"
	"github.com/transfa/portfolio-service/pkg/rabbitmq"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// OutboxDispatcher publishes stored portfolio events to the broker.
type OutboxDispatcher struct {
	repo                store.Repository
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration

	newProducer func() (rabbitmq.Publisher, error)
	producer    rabbitmq.Publisher
}

func NewOutboxDispatcher(repo store.Repository, rabbitURL string) *OutboxDispatcher {
	return &OutboxDispatcher{
		repo:                repo,
		batchSize:           defaultBatchSize,
		pollInterval:        defaultPollInterval,
		staleProcessingTime: defaultStaleProcessing,
		newProducer: func() (rabbitmq.Publisher, error) {
			return rabbitmq.NewEventProducer(rabbitURL)
		},
	}
}

// NewOutboxDispatcherWithPublisher drains the outbox through an existing
// publisher, such as the fallback used when no broker is configured.
func NewOutboxDispatcherWithPublisher(repo store.Repository, publisher rabbitmq.Publisher) *OutboxDispatcher {
	d := NewOutboxDispatcher(repo, "")
	d.newProducer = func() (rabbitmq.Publisher, error) {
		return publisher, nil
	}
	return d
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closeProducer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.flushOnce(ctx); err != nil {
				log.Printf("level=warn component=outbox msg=\"outbox flush error\" err=%v", err)
			}
		}
	}
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context) error {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			log.Printf("level=warn component=outbox msg=\"publish failed\" outbox_id=%d routing_key=%s attempts=%d retry_in=%ds err=%v", message.ID, message.RoutingKey, message.Attempts, retryAfter, err)
			_ = d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error())
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			log.Printf("level=error component=outbox msg=\"failed to mark message published\" outbox_id=%d err=%v", message.ID, err)
		}
	}
	return nil
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.producer == nil {
		producer, err := d.newProducer()
		if err != nil {
			return err
		}
		d.producer = producer
	}

	if err := d.producer.PublishRaw(ctx, message.Exchange, message.RoutingKey, message.Payload); err != nil {
		d.closeProducer()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << minInt(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
