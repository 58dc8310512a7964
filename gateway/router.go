package gateway

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
)

// Router picks the gateway registered for the message channel.
type Router struct {
	routes map[models.NotificationChannel]Gateway
}

func NewRouter() *Router {
	return &Router{routes: map[models.NotificationChannel]Gateway{}}
}

func (r *Router) Register(channel models.NotificationChannel, g Gateway) *Router {
	r.routes[channel] = g
	return r
}

func (r *Router) Send(ctx context.Context, msg Message) (Result, error) {
	g, ok := r.routes[msg.Channel]
	if !ok || g == nil {
		return Result{}, fmt.Errorf("%w: no gateway for channel %q", ErrRecipientRejected, msg.Channel)
	}
	return g.Send(ctx, msg)
}

// NewFromEnv wires the gateways for the configured notification mode.
//
// simulate: every channel goes to SimulatedGateway.
// live: a channel uses its HTTP bridge when its *_API_URL is set, otherwise the Pub/Sub topic
// when PUBSUB_PROJECT_ID is set.
func NewFromEnv(mode string) (*Router, error) {
	r := NewRouter()
	if mode != config.NotificationModeLive {
		sim := NewSimulatedGateway()
		r.Register(models.NotificationChannelWhatsapp, sim)
		r.Register(models.NotificationChannelEmail, sim)
		return r, nil
	}

	var pubsubGateway Gateway
	if strings.TrimSpace(os.Getenv("PUBSUB_PROJECT_ID")) != "" {
		pubsubGateway = NewPubSubGateway(config.NotificationTopic(), nil)
	}

	if os.Getenv("WHATSAPP_API_URL") != "" {
		g, err := NewWhatsappGatewayFromEnv()
		if err != nil {
			return nil, err
		}
		r.Register(models.NotificationChannelWhatsapp, g)
	} else if pubsubGateway != nil {
		r.Register(models.NotificationChannelWhatsapp, pubsubGateway)
	}

	if os.Getenv("EMAIL_API_URL") != "" {
		g, err := NewEmailGatewayFromEnv()
		if err != nil {
			return nil, err
		}
		r.Register(models.NotificationChannelEmail, g)
	} else if pubsubGateway != nil {
		r.Register(models.NotificationChannelEmail, pubsubGateway)
	}

	if len(r.routes) == 0 {
		return nil, fmt.Errorf("NOTIFICATION_MODE=live but no WHATSAPP_API_URL, EMAIL_API_URL or PUBSUB_PROJECT_ID configured")
	}
	return r, nil
}
