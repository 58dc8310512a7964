package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
)

func whatsappMessage() Message {
	return Message{
		Channel:        models.NotificationChannelWhatsapp,
		Recipient:      "0991234567",
		Body:           "Su documento está listo",
		EventType:      models.NotificationEventReady,
		DocumentIds:    []int{1},
		IdempotencyKey: "ready:1:0427",
	}
}

func TestHTTPGateway_SendsNormalizedPhone(t *testing.T) {
	t.Setenv("DEFAULT_PHONE_REGION", "EC")

	var got Message
	var idemHeader, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idemHeader = r.Header.Get("Idempotency-Key")
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message_id":"wamid.123","status":"queued"}`))
	}))
	defer srv.Close()

	g, err := NewHTTPGateway("whatsapp", srv.URL, "secret", models.NotificationChannelWhatsapp, srv.Client())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	res, err := g.Send(context.Background(), whatsappMessage())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Success || res.ProviderReference != "wamid.123" || res.Mode != ModeLive {
		t.Fatalf("unexpected result %+v", res)
	}
	if got.Recipient != "+593991234567" {
		t.Fatalf("expected E.164 recipient, got %q", got.Recipient)
	}
	if idemHeader != "ready:1:0427" || auth != "Bearer secret" {
		t.Fatalf("unexpected headers idem=%q auth=%q", idemHeader, auth)
	}
}

func TestHTTPGateway_ErrorClasses(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		g, _ := NewHTTPGateway("email", srv.URL, "", models.NotificationChannelEmail, srv.Client())
		msg := whatsappMessage()
		msg.Channel = models.NotificationChannelEmail
		msg.Recipient = "cliente@example.com"
		_, err := g.Send(context.Background(), msg)
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if IsPermanent(err) != tc.permanent {
			t.Fatalf("status %d: permanent=%v, err=%v", tc.status, IsPermanent(err), err)
		}
		if !tc.permanent && !errors.Is(err, models.ErrGatewayUnavailable) {
			t.Fatalf("status %d: expected ErrGatewayUnavailable, got %v", tc.status, err)
		}
	}
}

func TestHTTPGateway_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	g, _ := NewHTTPGateway("whatsapp", srv.URL, "", models.NotificationChannelWhatsapp, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.Send(ctx, whatsappMessage())
	if !errors.Is(err, models.ErrGatewayUnavailable) {
		t.Fatalf("expected timeout to be ErrGatewayUnavailable, got %v", err)
	}
	if IsPermanent(err) {
		t.Fatalf("timeouts must be retryable")
	}
}

func TestHTTPGateway_InvalidPhoneIsPermanent(t *testing.T) {
	g, _ := NewHTTPGateway("whatsapp", "http://127.0.0.1:1", "", models.NotificationChannelWhatsapp, nil)
	msg := whatsappMessage()
	msg.Recipient = "12"
	_, err := g.Send(context.Background(), msg)
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestPubSubGateway(t *testing.T) {
	var topic string
	var attrs map[string]string
	var payload Message
	g := NewPubSubGateway("notary-notifications", func(ctx context.Context, tp string, data []byte, a map[string]string) (string, error) {
		topic = tp
		attrs = a
		_ = json.Unmarshal(data, &payload)
		return "msg-77", nil
	})

	res, err := g.Send(context.Background(), whatsappMessage())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ProviderReference != "msg-77" || topic != "notary-notifications" {
		t.Fatalf("unexpected result %+v topic=%s", res, topic)
	}
	if attrs["idempotency_key"] != "ready:1:0427" || payload.Recipient != "+593991234567" {
		t.Fatalf("unexpected publish attrs=%v payload=%+v", attrs, payload)
	}

	failing := NewPubSubGateway("t", func(ctx context.Context, tp string, data []byte, a map[string]string) (string, error) {
		return "", errors.New("unavailable")
	})
	if _, err := failing.Send(context.Background(), whatsappMessage()); !errors.Is(err, models.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestRouter(t *testing.T) {
	r := NewRouter().Register(models.NotificationChannelWhatsapp, NewSimulatedGateway())

	res, err := r.Send(context.Background(), whatsappMessage())
	if err != nil || res.Mode != ModeSimulated || res.ProviderReference == "" {
		t.Fatalf("unexpected simulated result %+v err=%v", res, err)
	}

	msg := whatsappMessage()
	msg.Channel = models.NotificationChannelEmail
	if _, err := r.Send(context.Background(), msg); !IsPermanent(err) {
		t.Fatalf("missing route should be permanent, got %v", err)
	}
}

func TestNewFromEnv(t *testing.T) {
	sim, err := NewFromEnv(config.NotificationModeSimulate)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if _, ok := sim.routes[models.NotificationChannelEmail].(*SimulatedGateway); !ok {
		t.Fatalf("simulate mode should route email to the simulator")
	}

	t.Setenv("WHATSAPP_API_URL", "")
	t.Setenv("EMAIL_API_URL", "")
	t.Setenv("PUBSUB_PROJECT_ID", "")
	if _, err := NewFromEnv(config.NotificationModeLive); err == nil {
		t.Fatalf("live mode without any transport should fail")
	}

	t.Setenv("WHATSAPP_API_URL", "http://bridge.local/send")
	live, err := NewFromEnv(config.NotificationModeLive)
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	if _, ok := live.routes[models.NotificationChannelWhatsapp].(*HTTPGateway); !ok {
		t.Fatalf("expected HTTP gateway for whatsapp")
	}
	if _, ok := live.routes[models.NotificationChannelEmail]; ok {
		t.Fatalf("email has no transport configured")
	}
}
