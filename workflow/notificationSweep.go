package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const notificationSweepLockKey = "lock:notification-sweep"

// NotificationSweep retries due notifications. Each row is claimed with SKIP LOCKED plus
// locked_at/locked_by so concurrent sweeps never send the same record twice.
type NotificationSweep struct {
	Dispatcher *NotificationDispatcher
	Logger     *logrus.Logger
	Locker     *redislock.Client
	SweepID    string

	BatchSize    int
	PollInterval time.Duration
	LockTimeout  time.Duration
}

type SweepReport struct {
	Claimed     int  `json:"claimed"`
	Sent        int  `json:"sent"`
	Rescheduled int  `json:"rescheduled"`
	Failed      int  `json:"failed"`
	Retired     int  `json:"retired"`
	Skipped     bool `json:"skipped"`
}

func NewNotificationSweep(dispatcher *NotificationDispatcher, locker *redislock.Client) *NotificationSweep {
	s := dispatcher.Settings
	return &NotificationSweep{
		Dispatcher:   dispatcher,
		Logger:       dispatcher.Logger,
		Locker:       locker,
		SweepID:      "sweep-" + uuid.NewString(),
		BatchSize:    s.SweepBatchSize,
		PollInterval: 30 * time.Second,
		LockTimeout:  s.LockTimeout(),
	}
}

func (s *NotificationSweep) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := s.SweepOnce(ctx); err != nil && s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{"field": "NotificationSweep", "sweep_id": s.SweepID}).Error("sweep failed: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.PollInterval):
		}
	}
}

// SweepOnce claims one batch of due records and attempts each of them once.
func (s *NotificationSweep) SweepOnce(ctx context.Context) (SweepReport, error) {
	ctx, span := tracer.Start(ctx, "NotificationSweep.SweepOnce")
	defer span.End()

	var report SweepReport
	if s.Locker != nil {
		lock, err := s.Locker.Obtain(ctx, notificationSweepLockKey, s.LockTimeout, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			report.Skipped = true
			return report, nil
		}
		if err != nil {
			// The DB claim stays authoritative; the redis lock only avoids wasted work.
			if s.Logger != nil {
				s.Logger.WithFields(logrus.Fields{"field": "NotificationSweep", "sweep_id": s.SweepID}).Warn("redis sweep lock unavailable: " + err.Error())
			}
		} else {
			defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
		}
	}

	claimed, exhausted, err := s.claim(ctx)
	if err != nil {
		return report, err
	}
	report.Claimed = len(claimed)
	report.Failed += exhausted

	for i := range claimed {
		reason, err := s.Dispatcher.staleReason(ctx, claimed[i])
		if err != nil {
			// Left claimed; the next sweep after LockTimeout picks it up again.
			config.LogError(s.Logger, "NotificationSweep", "SweepOnce", "check documents", claimed[i].ID, err)
			continue
		}
		if reason != "" {
			if err := s.Dispatcher.retire(ctx, &claimed[i], s.SweepID, reason); err != nil {
				config.LogError(s.Logger, "NotificationSweep", "SweepOnce", "retire notification", claimed[i].ID, err)
				continue
			}
			report.Retired++
			continue
		}
		_, sendErr := s.Dispatcher.attempt(ctx, &claimed[i], s.SweepID)
		switch {
		case sendErr == nil:
			report.Sent++
		case errors.Is(sendErr, models.ErrNotificationExhausted):
			report.Failed++
		default:
			report.Rescheduled++
		}
	}
	return report, nil
}

// claim returns records now owned by this sweep, plus how many were moved to failed for having
// no attempts left.
func (s *NotificationSweep) claim(ctx context.Context) ([]models.NotificationRecord, int, error) {
	now := s.Dispatcher.now()
	staleBefore := now.Add(-s.LockTimeout)
	policy := s.Dispatcher.Policy

	var due []models.NotificationRecord
	var ready []models.NotificationRecord
	exhausted := 0
	err := s.Dispatcher.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - pending with a retry due and no live claim
		// - pending but claimed longer than LockTimeout ago (owner crashed mid-send)
		q := tx.
			Where(`
				(
					status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND locked_at IS NULL
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, models.NotificationStatusPending, now, models.NotificationStatusPending, staleBefore).
			Order("id ASC").
			Limit(s.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&due).Error; err != nil {
			return err
		}

		for i := range due {
			if policy.Exhausted(due[i].Attempts) {
				msg := fmt.Sprintf("max notification attempts exceeded (%d)", policy.MaxAttempts)
				if err := tx.Model(&models.NotificationRecord{}).Where("id = ?", due[i].ID).Updates(map[string]interface{}{
					"status":        models.NotificationStatusFailed,
					"last_error":    &msg,
					"next_retry_at": nil,
					"locked_at":     nil,
					"locked_by":     nil,
				}).Error; err != nil {
					return err
				}
				if err := models.AppendEvent(tx, models.NewEvent(ctx, due[i].DocumentId, models.EventTypeNotification, map[string]interface{}{
					"notification_id": due[i].ID,
					"event_type":      due[i].EventType,
					"channel":         due[i].Channel,
					"outcome":         string(models.NotificationStatusFailed),
					"attempt":         due[i].Attempts,
					"document_ids":    due[i].GetDocumentIds(),
					"error":           msg,
				})); err != nil {
					return err
				}
				exhausted++
				continue
			}

			owner := s.SweepID
			due[i].LockedAt = &now
			due[i].LockedBy = &owner
			if err := tx.Model(&models.NotificationRecord{}).Where("id = ?", due[i].ID).Updates(map[string]interface{}{
				"locked_at": due[i].LockedAt,
				"locked_by": due[i].LockedBy,
			}).Error; err != nil {
				return err
			}
			ready = append(ready, due[i])
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return ready, exhausted, nil
}
