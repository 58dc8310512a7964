package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SimulatedGateway accepts every well-formed message without contacting a provider.
type SimulatedGateway struct{}

func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{}
}

func (g *SimulatedGateway) Send(ctx context.Context, msg Message) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(msg.Recipient) == "" {
		return Result{}, fmt.Errorf("%w: empty recipient", ErrRecipientRejected)
	}
	ref := "sim-" + uuid.NewString()
	if logger := config.GetLogger(); logger != nil {
		logger.WithFields(logrus.Fields{
			"channel":      msg.Channel,
			"event_type":   msg.EventType,
			"document_ids": msg.DocumentIds,
			"reference":    ref,
		}).Info("simulated notification send")
	}
	return Result{
		Success:           true,
		ProviderReference: ref,
		Mode:              ModeSimulated,
		Provider:          "simulator",
	}, nil
}
