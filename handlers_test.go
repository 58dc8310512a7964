package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/gateway"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestAPI(t *testing.T) (*api, *gin.Engine) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notary.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), config.InitConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	a := &api{logger: logger}
	r := newRouter(a)

	services := workflow.NewServices(db, gateway.NewSimulatedGateway(), logger)
	services.Documents.NewCode = func() (string, error) { return "4821", nil }
	services.Documents.RequireFullPayment = false
	a.services.Store(services)
	return a, r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.ErrDocumentNotFound, http.StatusNotFound},
		{models.ErrCodeMismatch, http.StatusConflict},
		{models.ErrInvalidState, http.StatusConflict},
		{&models.MemberError{DocumentId: 7, Err: models.ErrInvalidState}, http.StatusConflict},
		{fmt.Errorf("%w: amount", models.ErrInvalidInput), http.StatusUnprocessableEntity},
		{models.ErrInvalidAmount, http.StatusUnprocessableEntity},
		{models.ErrTooManyCodeAttempts, http.StatusTooManyRequests},
		{models.ErrLedgerInvariantViolation, http.StatusInternalServerError},
		{models.ErrGatewayUnavailable, http.StatusServiceUnavailable},
		{models.ErrNotificationExhausted, http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestReadiness_ServesHealthWhileStarting(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r := newRouter(&api{logger: logger})

	w := doJSON(t, r, http.MethodGet, "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, "/documents/1", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before services are ready, got %d", w.Code)
	}
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	_, r := newTestAPI(t)
	actor := map[string]string{"X-Actor": "recepcion-1", "x-correlation-id": "cid-123"}

	w := doJSON(t, r, http.MethodPost, "/documents", map[string]any{
		"code":            "P-2026-0001",
		"client_name":     "María Pérez",
		"client_phone":    "0991234567",
		"invoiced_amount": "100.00",
		"auto_notify":     true,
		"channel":         "whatsapp",
	}, actor)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d body=%s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("x-correlation-id"); got != "cid-123" {
		t.Fatalf("correlation id not echoed: %q", got)
	}
	var doc models.Document
	decodeBody(t, w, &doc)
	if doc.ID == 0 || doc.State != models.DocumentStateInProgress {
		t.Fatalf("unexpected document: %+v", doc)
	}
	base := fmt.Sprintf("/documents/%d", doc.ID)

	w = doJSON(t, r, http.MethodPost, base+"/payments", map[string]any{"amount": "40.00"}, actor)
	if w.Code != http.StatusOK {
		t.Fatalf("payment status = %d body=%s", w.Code, w.Body.String())
	}
	decodeBody(t, w, &doc)
	if doc.PendingAmount.StringFixed(2) != "60.00" || doc.PaymentState != models.PaymentStatePartiallyPaid {
		t.Fatalf("unexpected ledger: pending=%s state=%s", doc.PendingAmount, doc.PaymentState)
	}

	w = doJSON(t, r, http.MethodPost, base+"/payments", map[string]any{"amount": "-5"}, actor)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("negative payment status = %d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, base+"/ready", nil, actor)
	if w.Code != http.StatusOK {
		t.Fatalf("ready status = %d body=%s", w.Code, w.Body.String())
	}
	if bytes.Contains(w.Body.Bytes(), []byte("verification_code")) {
		t.Fatalf("verification code leaked in response: %s", w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, base+"/ready", nil, actor)
	if w.Code != http.StatusConflict {
		t.Fatalf("second ready status = %d", w.Code)
	}

	receiver := map[string]any{"name": "Juan Pérez", "relationship": "hermano"}
	w = doJSON(t, r, http.MethodPost, base+"/deliver", map[string]any{"verification_code": "0000", "receiver": receiver}, actor)
	if w.Code != http.StatusConflict {
		t.Fatalf("wrong code status = %d body=%s", w.Code, w.Body.String())
	}
	var errBody map[string]any
	decodeBody(t, w, &errBody)
	if errBody["class"] != string(models.ErrorClassRejected) {
		t.Fatalf("expected rejected class, got %v", errBody["class"])
	}

	w = doJSON(t, r, http.MethodPost, base+"/deliver", map[string]any{"verification_code": "4821", "receiver": receiver}, actor)
	if w.Code != http.StatusOK {
		t.Fatalf("deliver status = %d body=%s", w.Code, w.Body.String())
	}
	var group workflow.DocumentGroup
	decodeBody(t, w, &group)
	if group.Principal.State != models.DocumentStateDelivered || group.Principal.ReceiverName != "Juan Pérez" {
		t.Fatalf("unexpected principal after delivery: %+v", group.Principal)
	}

	w = doJSON(t, r, http.MethodGet, base+"/events", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events status = %d", w.Code)
	}
	var events []models.EventRecord
	decodeBody(t, w, &events)
	if len(events) == 0 {
		t.Fatalf("expected audit events")
	}
	for _, e := range events {
		if e.Actor != "recepcion-1" {
			t.Fatalf("event %d actor = %q", e.ID, e.Actor)
		}
	}
}

func TestDocumentRoutes_BadIdAndMissing(t *testing.T) {
	_, r := newTestAPI(t)

	if w := doJSON(t, r, http.MethodGet, "/documents/abc", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodGet, "/documents/999", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing doc status = %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/documents/999/ready", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing doc ready status = %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodGet, "/nope", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown route status = %d", w.Code)
	}
}

func TestOpsRoutes_RequireTokenWhenConfigured(t *testing.T) {
	_, r := newTestAPI(t)
	t.Setenv("OPS_TOKEN", "s3cret")

	if w := doJSON(t, r, http.MethodPost, "/internal/ops/notifications/sweep", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("sweep without token status = %d", w.Code)
	}
	w := doJSON(t, r, http.MethodPost, "/internal/ops/notifications/sweep", nil, map[string]string{"token": "s3cret"})
	if w.Code != http.StatusOK {
		t.Fatalf("sweep status = %d body=%s", w.Code, w.Body.String())
	}
	var report workflow.SweepReport
	decodeBody(t, w, &report)
	if report.Claimed != 0 {
		t.Fatalf("expected empty sweep, got %+v", report)
	}
}

func TestLedgerReportAndFollowUp(t *testing.T) {
	_, r := newTestAPI(t)
	w := doJSON(t, r, http.MethodPost, "/documents", map[string]any{
		"code":            "P-2026-0002",
		"client_name":     "Ana Torres",
		"invoiced_amount": "250.00",
		"channel":         "none",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/documents?principals_only=true&limit=10", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d body=%s", w.Code, w.Body.String())
	}
	var list struct {
		Documents []models.Document `json:"documents"`
		PageInfo  models.PageInfo   `json:"pageInfo"`
	}
	decodeBody(t, w, &list)
	if len(list.Documents) != 1 || list.Documents[0].Code != "P-2026-0002" {
		t.Fatalf("unexpected list: %+v", list.Documents)
	}

	w = doJSON(t, r, http.MethodGet, "/reports/ledger?verify=true", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ledger report status = %d body=%s", w.Code, w.Body.String())
	}
	var body struct {
		Summary       models.LedgerSummary         `json:"summary"`
		Discrepancies []workflow.LedgerDiscrepancy `json:"discrepancies"`
	}
	decodeBody(t, w, &body)
	if len(body.Discrepancies) != 0 {
		t.Fatalf("unexpected discrepancies: %+v", body.Discrepancies)
	}

	w = doJSON(t, r, http.MethodGet, "/notifications/follow-up", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("follow-up status = %d body=%s", w.Code, w.Body.String())
	}
	var queue []models.NotificationRecord
	decodeBody(t, w, &queue)
	if len(queue) != 0 {
		t.Fatalf("expected empty follow-up queue, got %d", len(queue))
	}
	w = doJSON(t, r, http.MethodGet, "/notifications/follow-up?format=xlsx", nil, nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != xlsxContentType || w.Body.Len() == 0 {
		t.Fatalf("xlsx export status = %d type=%q len=%d", w.Code, w.Header().Get("Content-Type"), w.Body.Len())
	}
}
