package gateway

import (
	"context"
	"errors"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
)

const (
	ModeSimulated = "simulated"
	ModeLive      = "live"
)

// ErrRecipientRejected is a permanent failure: retrying the same message cannot succeed.
var ErrRecipientRejected = errors.New("recipient rejected by gateway")

// Message is a rendered notification ready to leave the system.
type Message struct {
	Channel        models.NotificationChannel   `json:"channel"`
	Recipient      string                       `json:"to"`
	Body           string                       `json:"body"`
	EventType      models.NotificationEventType `json:"event_type"`
	DocumentIds    []int                        `json:"document_ids"`
	IdempotencyKey string                       `json:"idempotency_key"`
}

// Result is what the provider answered. Simulated and live sends share it.
type Result struct {
	Success           bool                   `json:"success"`
	ProviderReference string                 `json:"provider_reference"`
	Mode              string                 `json:"mode"`
	Provider          string                 `json:"provider"`
	Response          map[string]interface{} `json:"response,omitempty"`
}

// Gateway is the send contract consumed by the dispatcher.
// Retryable failures wrap models.ErrGatewayUnavailable; permanent ones wrap ErrRecipientRejected.
type Gateway interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// IsPermanent reports failures that must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRecipientRejected)
}
