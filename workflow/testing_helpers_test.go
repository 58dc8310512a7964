package workflow

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/gateway"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
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
	// One connection serializes transactions the way row locks do on MySQL.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	mu    sync.Mutex
	err   error
	calls []gateway.Message
}

func (g *fakeGateway) Send(ctx context.Context, msg gateway.Message) (gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, msg)
	if g.err != nil {
		return gateway.Result{}, g.err
	}
	return gateway.Result{
		Success:           true,
		ProviderReference: fmt.Sprintf("fake-%d", len(g.calls)),
		Mode:              gateway.ModeLive,
		Provider:          "fake",
	}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) bodies() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.calls))
	for _, c := range g.calls {
		out = append(out, c.Body)
	}
	return out
}

func (g *fakeGateway) setErr(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

type harness struct {
	db         *gorm.DB
	gw         *fakeGateway
	clock      *testClock
	dispatcher *NotificationDispatcher
	svc        *DocumentService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newTestDB(t)
	gw := &fakeGateway{}
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	d := NewNotificationDispatcher(db, gw, logger, config.DefaultNotificationSettings())
	d.Now = clock.Now

	svc := NewDocumentService(db, d, nil, logger)
	svc.Now = clock.Now
	svc.RequireFullPayment = false
	svc.NewCode = codeSequence("4821")

	return &harness{db: db, gw: gw, clock: clock, dispatcher: d, svc: svc}
}

// codeSequence hands out the given codes in order and then keeps repeating the last one.
func codeSequence(codes ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return c, nil
	}
}

func (h *harness) register(t *testing.T, code string, edit func(*models.NewDocument)) *models.Document {
	t.Helper()
	input := models.NewDocument{
		Code:           code,
		ClientName:     "María Pérez",
		ClientIdNumber: "1712345678",
		ClientPhone:    "0991234567",
		InvoicedAmount: decimal.RequireFromString("100.00"),
		AutoNotify:     true,
		Channel:        models.NotificationChannelWhatsapp,
	}
	if edit != nil {
		edit(&input)
	}
	doc, err := h.svc.RegisterDocument(context.Background(), input)
	if err != nil {
		t.Fatalf("register %s: %v", code, err)
	}
	return doc
}

func (h *harness) reload(t *testing.T, id int) models.Document {
	t.Helper()
	doc, err := models.GetDocument(context.Background(), h.db, id)
	if err != nil {
		t.Fatalf("reload %d: %v", id, err)
	}
	return *doc
}

func (h *harness) events(t *testing.T, id int, eventType models.EventType) []models.EventRecord {
	t.Helper()
	var events []models.EventRecord
	if err := h.db.Where("document_id = ? AND type = ?", id, eventType).Order("id ASC").Find(&events).Error; err != nil {
		t.Fatalf("list events: %v", err)
	}
	return events
}

func (h *harness) notifications(t *testing.T, eventType models.NotificationEventType) []models.NotificationRecord {
	t.Helper()
	var recs []models.NotificationRecord
	if err := h.db.Where("event_type = ?", eventType).Order("id ASC").Find(&recs).Error; err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	return recs
}

func outcomeOf(e models.EventRecord) string {
	v, _ := e.Details["outcome"].(string)
	return v
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
