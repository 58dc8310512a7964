package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/utils"
)

// PublishFunc matches config.PublishWithResult.
type PublishFunc func(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error)

// PubSubGateway hands messages to a bridge service through a Pub/Sub topic.
// A successful publish is a successful send; the bridge owns provider delivery.
type PubSubGateway struct {
	topic   string
	publish PublishFunc
}

func NewPubSubGateway(topic string, publish PublishFunc) *PubSubGateway {
	if publish == nil {
		publish = config.PublishWithResult
	}
	return &PubSubGateway{topic: topic, publish: publish}
}

func (g *PubSubGateway) Send(ctx context.Context, msg Message) (Result, error) {
	if strings.TrimSpace(msg.Recipient) == "" {
		return Result{}, fmt.Errorf("%w: empty recipient", ErrRecipientRejected)
	}
	if msg.Channel == models.NotificationChannelWhatsapp {
		phone, err := utils.NormalizePhoneNumber(msg.Recipient, config.DefaultPhoneRegion())
		if err != nil {
			return Result{}, fmt.Errorf("%w: phone %q: %v", ErrRecipientRejected, msg.Recipient, err)
		}
		msg.Recipient = phone
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return Result{}, err
	}
	attrs := map[string]string{
		"channel":         string(msg.Channel),
		"event_type":      string(msg.EventType),
		"idempotency_key": msg.IdempotencyKey,
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok && correlationId != "" {
		attrs["correlation_id"] = correlationId
	}

	id, err := g.publish(ctx, g.topic, data, attrs)
	if err != nil {
		return Result{}, fmt.Errorf("%w: publish to %s: %v", models.ErrGatewayUnavailable, g.topic, err)
	}
	return Result{
		Success:           true,
		ProviderReference: id,
		Mode:              ModeLive,
		Provider:          "pubsub:" + g.topic,
	}, nil
}
