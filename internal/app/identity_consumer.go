package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/transfa/portfolio-service/internal/domain"
	"github.com/transfa/portfolio-service/pkg/rabbitmq"
)

// Routing keys published by the auth provider.
const (
	RoutingKeyIdentitySignedIn       = "identity.signed_in"
	RoutingKeyIdentitySignedOut      = "identity.signed_out"
	RoutingKeyIdentityTokenRefreshed = "identity.token_refreshed"
	RoutingKeyIdentityUserUpdated    = "identity.user_updated"
)

// IdentityEventHandler applies identity session changes.
type IdentityEventHandler interface {
	HandleIdentityEvent(ctx context.Context, event domain.IdentityEvent) error
}

type IdentityEventConsumer struct {
	handler IdentityEventHandler
}

func NewIdentityEventConsumer(handler IdentityEventHandler) *IdentityEventConsumer {
	return &IdentityEventConsumer{handler: handler}
}

// Bindings maps each identity routing key to its handler.
func (c *IdentityEventConsumer) Bindings() map[string]rabbitmq.Handler {
	bind := func(eventType domain.IdentityEventType) rabbitmq.Handler {
		return func(body []byte) bool { return c.HandleMessage(eventType, body) }
	}
	return map[string]rabbitmq.Handler{
		RoutingKeyIdentitySignedIn:       bind(domain.IdentitySignedIn),
		RoutingKeyIdentitySignedOut:      bind(domain.IdentitySignedOut),
		RoutingKeyIdentityTokenRefreshed: bind(domain.IdentityTokenRefreshed),
		RoutingKeyIdentityUserUpdated:    bind(domain.IdentityUserUpdated),
	}
}

// HandleMessage reports whether the delivery may be acknowledged. The routing
// key decides the event type when the payload omits it.
func (c *IdentityEventConsumer) HandleMessage(eventType domain.IdentityEventType, body []byte) bool {
	var event domain.IdentityEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=identity_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}
	if strings.TrimSpace(string(event.Type)) == "" {
		event.Type = eventType
	}
	if event.Identity().IsZero() {
		log.Printf("level=warn component=identity_consumer msg=\"missing identity id; dropping\" type=%s", event.Type)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.handler.HandleIdentityEvent(ctx, event); err != nil {
		if errors.Is(err, ErrUnsupportedIdentityEvent) {
			log.Printf("level=warn component=identity_consumer msg=\"unsupported event; dropping\" type=%s identity_id=%s", event.Type, event.IdentityID)
			return true
		}
		log.Printf("level=error component=identity_consumer msg=\"processing error\" type=%s identity_id=%s err=%v", event.Type, event.IdentityID, err)
		return false
	}
	return true
}
