package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CodeAttemptGuard counts wrong pickup codes per document in Redis.
// A nil guard or a nil client disables it; Redis errors never block a delivery.
type CodeAttemptGuard struct {
	rdb         *redis.Client
	logger      *logrus.Logger
	maxAttempts int
	window      time.Duration
}

func NewCodeAttemptGuard(rdb *redis.Client, logger *logrus.Logger, maxAttempts int, window time.Duration) *CodeAttemptGuard {
	if rdb == nil || maxAttempts <= 0 {
		return nil
	}
	return &CodeAttemptGuard{rdb: rdb, logger: logger, maxAttempts: maxAttempts, window: window}
}

func codeAttemptKey(documentId int) string {
	return fmt.Sprintf("CodeAttempts:Document:%d", documentId)
}

// Check refuses when the document already used up its wrong attempts for the window.
func (g *CodeAttemptGuard) Check(ctx context.Context, documentId int) error {
	if g == nil {
		return nil
	}
	n, err := g.rdb.Get(ctx, codeAttemptKey(documentId)).Int()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		config.LogError(g.logger, "CodeAttemptGuard", "Check", "read attempt counter", documentId, err)
		return nil
	}
	if n >= g.maxAttempts {
		return fmt.Errorf("%w: document %d", models.ErrTooManyCodeAttempts, documentId)
	}
	return nil
}

func (g *CodeAttemptGuard) RecordFailure(ctx context.Context, documentId int) {
	if g == nil {
		return
	}
	key := codeAttemptKey(documentId)
	n, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		config.LogError(g.logger, "CodeAttemptGuard", "RecordFailure", "increment attempt counter", documentId, err)
		return
	}
	if n == 1 {
		if err := g.rdb.Expire(ctx, key, g.window).Err(); err != nil {
			config.LogError(g.logger, "CodeAttemptGuard", "RecordFailure", "set counter ttl", documentId, err)
		}
	}
}

func (g *CodeAttemptGuard) Reset(ctx context.Context, documentId int) {
	if g == nil {
		return
	}
	if err := g.rdb.Del(ctx, codeAttemptKey(documentId)).Err(); err != nil {
		config.LogError(g.logger, "CodeAttemptGuard", "Reset", "delete attempt counter", documentId, err)
	}
}

// checkDeliveryGate verifies every member's ledger before handing the group over.
// Credit notes carry no balance to collect.
func checkDeliveryGate(group *DocumentGroup, requireFullPayment bool) error {
	for _, m := range group.Members() {
		if err := models.CheckInvariant(*m); err != nil {
			return &models.MemberError{DocumentId: m.ID, Err: err}
		}
		if requireFullPayment && !m.IsCreditNote && !m.PaymentState.IsSettled() {
			return &models.MemberError{
				DocumentId: m.ID,
				Err:        fmt.Errorf("%w: pending %s", models.ErrPaymentPending, m.PendingAmount.StringFixed(2)),
			}
		}
	}
	return nil
}
