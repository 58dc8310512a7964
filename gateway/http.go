package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/utils"
)

// HTTPGateway posts messages as JSON to a bridge service (WhatsApp Business or e-mail relay).
type HTTPGateway struct {
	provider    string
	endpoint    string
	token       string
	channel     models.NotificationChannel
	phoneRegion string
	http        *http.Client
}

func NewHTTPGateway(provider, endpoint, token string, channel models.NotificationChannel, client *http.Client) (*HTTPGateway, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%s endpoint is empty", provider)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPGateway{
		provider:    provider,
		endpoint:    endpoint,
		token:       strings.TrimSpace(token),
		channel:     channel,
		phoneRegion: config.DefaultPhoneRegion(),
		http:        client,
	}, nil
}

// NewWhatsappGatewayFromEnv reads WHATSAPP_API_URL and WHATSAPP_API_TOKEN.
func NewWhatsappGatewayFromEnv() (*HTTPGateway, error) {
	return NewHTTPGateway("whatsapp", os.Getenv("WHATSAPP_API_URL"), os.Getenv("WHATSAPP_API_TOKEN"), models.NotificationChannelWhatsapp, nil)
}

// NewEmailGatewayFromEnv reads EMAIL_API_URL and EMAIL_API_TOKEN.
func NewEmailGatewayFromEnv() (*HTTPGateway, error) {
	return NewHTTPGateway("email", os.Getenv("EMAIL_API_URL"), os.Getenv("EMAIL_API_TOKEN"), models.NotificationChannelEmail, nil)
}

type httpSendResponse struct {
	Id        string `json:"id"`
	MessageId string `json:"message_id"`
	Status    string `json:"status"`
}

func (g *HTTPGateway) recipient(raw string) (string, error) {
	if g.channel != models.NotificationChannelWhatsapp {
		return strings.TrimSpace(raw), nil
	}
	phone, err := utils.NormalizePhoneNumber(raw, g.phoneRegion)
	if err != nil {
		return "", fmt.Errorf("%w: phone %q: %v", ErrRecipientRejected, raw, err)
	}
	return phone, nil
}

func (g *HTTPGateway) Send(ctx context.Context, msg Message) (Result, error) {
	to, err := g.recipient(msg.Recipient)
	if err != nil {
		return Result{}, err
	}
	if to == "" {
		return Result{}, fmt.Errorf("%w: empty recipient", ErrRecipientRejected)
	}
	msg.Recipient = to

	payload, err := json.Marshal(msg)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: %s timed out: %v", models.ErrGatewayUnavailable, g.provider, err)
		}
		return Result{}, fmt.Errorf("%w: %s: %v", models.ErrGatewayUnavailable, g.provider, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	raw := map[string]interface{}{}
	_ = json.Unmarshal(body, &raw)
	raw["http_status"] = resp.StatusCode

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{Mode: ModeLive, Provider: g.provider, Response: raw},
			fmt.Errorf("%w: %s api error %d: %s", models.ErrGatewayUnavailable, g.provider, resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Result{Mode: ModeLive, Provider: g.provider, Response: raw},
			fmt.Errorf("%w: %s api error %d: %s", ErrRecipientRejected, g.provider, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed httpSendResponse
	_ = json.Unmarshal(body, &parsed)
	ref := parsed.MessageId
	if ref == "" {
		ref = parsed.Id
	}
	return Result{
		Success:           true,
		ProviderReference: ref,
		Mode:              ModeLive,
		Provider:          g.provider,
		Response:          raw,
	}, nil
}
