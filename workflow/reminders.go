package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

type ReminderReport struct {
	Candidates int `json:"candidates"`
	Sent       int `json:"sent"`
	Skipped    int `json:"skipped"`
	Pending    int `json:"pending"`
	Failed     int `json:"failed"`
}

// SendReminders nudges clients whose documents have waited in ready_for_pickup for longer than olderThan.
// Reminders share the per-day idempotency key, so running this twice on one day sends once.
func (d *NotificationDispatcher) SendReminders(ctx context.Context, olderThan time.Duration) (report ReminderReport, err error) {
	ctx, span := tracer.Start(ctx, "NotificationDispatcher.SendReminders")
	defer func() { endSpan(span, err) }()

	cutoff := d.now().Add(-olderThan)
	var docs []models.Document
	err = d.DB.WithContext(ctx).
		Where("state = ? AND principal_id IS NULL AND ready_at IS NOT NULL AND ready_at <= ?", models.DocumentStateReadyForPickup, cutoff).
		Order("id ASC").
		Find(&docs).Error
	if err != nil {
		return report, err
	}
	report.Candidates = len(docs)
	span.SetAttributes(attribute.Int("candidates", len(docs)))

	var errs []error
	for _, doc := range docs {
		rec, derr := d.dispatchDocuments(ctx, []models.Document{doc}, models.NotificationEventReminder, models.Evaluate(doc))
		if derr != nil {
			errs = append(errs, derr)
		}
		if rec == nil {
			report.Failed++
			continue
		}
		switch rec.Status {
		case models.NotificationStatusSent, models.NotificationStatusSimulated:
			report.Sent++
		case models.NotificationStatusSkipped:
			report.Skipped++
		case models.NotificationStatusPending:
			report.Pending++
		default:
			report.Failed++
		}
	}

	if len(errs) > 0 && d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":      "NotificationDispatcher",
			"candidates": report.Candidates,
			"failed":     report.Failed,
			"pending":    report.Pending,
		}).Warn("some reminders were not delivered")
	}
	// Delivery failures are already recorded per record; only a broken query fails the run.
	for _, e := range errs {
		if !errors.Is(e, models.ErrGatewayUnavailable) && !errors.Is(e, models.ErrNotificationExhausted) {
			return report, e
		}
	}
	return report, nil
}
