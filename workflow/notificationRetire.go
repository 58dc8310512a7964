package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const notificationOutcomeRetired = "retired"

// pickupEvents only make sense while the group waits in ready_for_pickup with the code they carry.
var pickupEvents = []models.NotificationEventType{models.NotificationEventReady, models.NotificationEventReminder}

func isPickupEvent(eventType models.NotificationEventType) bool {
	for _, e := range pickupEvents {
		if e == eventType {
			return true
		}
	}
	return false
}

// staleReason reports why a queued message no longer matches its documents. Empty means it is still accurate.
func (d *NotificationDispatcher) staleReason(ctx context.Context, rec models.NotificationRecord) (string, error) {
	if !isPickupEvent(rec.EventType) {
		return "", nil
	}
	ids := rec.GetDocumentIds()
	var docs []models.Document
	if err := d.DB.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&docs).Error; err != nil {
		return "", err
	}
	if len(docs) == 0 || len(docs) != len(utils.SortedUniqueInts(ids)) {
		return fmt.Sprintf("documents %v no longer exist", ids), nil
	}
	for _, doc := range docs {
		if doc.State != models.DocumentStateReadyForPickup {
			return fmt.Sprintf("document %d is %s", doc.ID, doc.State), nil
		}
		if e := models.Evaluate(doc); !e.ShouldNotify {
			return fmt.Sprintf("document %d is no longer eligible: %s", doc.ID, strings.Join(e.Reasons, "; ")), nil
		}
	}
	if rec.EventType == models.NotificationEventReady {
		current := models.NotificationIdempotencyKey(rec.EventType, ids, d.discriminator(rec.EventType, docs[0]))
		if rec.IdempotencyKey != current {
			return "pickup code was reissued", nil
		}
	}
	return "", nil
}

func retiredUpdates(rec models.NotificationRecord, reason string) map[string]interface{} {
	metadata := datatypes.JSONMap{}
	for k, v := range rec.Metadata {
		metadata[k] = v
	}
	metadata["retired_reason"] = reason
	return map[string]interface{}{
		"status":        models.NotificationStatusSkipped,
		"last_error":    &reason,
		"next_retry_at": nil,
		"locked_at":     nil,
		"locked_by":     nil,
		"metadata":      metadata,
	}
}

func retiredEvent(ctx context.Context, rec models.NotificationRecord, reason string) *models.EventRecord {
	return models.NewEvent(ctx, rec.DocumentId, models.EventTypeNotification, map[string]interface{}{
		"notification_id": rec.ID,
		"event_type":      rec.EventType,
		"channel":         rec.Channel,
		"outcome":         notificationOutcomeRetired,
		"reason":          reason,
		"attempt":         rec.Attempts,
		"document_ids":    rec.GetDocumentIds(),
	})
}

// retire closes a record claimed by owner without sending it.
func (d *NotificationDispatcher) retire(ctx context.Context, rec *models.NotificationRecord, owner, reason string) error {
	return d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.NotificationRecord{}).
			Where("id = ? AND locked_by = ?", rec.ID, owner).
			Updates(retiredUpdates(*rec, reason))
		if q.Error != nil || q.RowsAffected == 0 {
			return q.Error
		}
		rec.Status = models.NotificationStatusSkipped
		rec.NextRetryAt = nil
		rec.LockedAt = nil
		rec.LockedBy = nil
		return models.AppendEvent(tx, retiredEvent(ctx, *rec, reason))
	})
}

// retireOpenPickupNotifications closes pending ready and reminder records of a principal inside the
// caller's transaction. A send already in flight loses its claim and its outcome is dropped.
func retireOpenPickupNotifications(ctx context.Context, tx *gorm.DB, principalId int, reason string) error {
	var open []models.NotificationRecord
	err := tx.Where("document_id = ? AND status = ? AND event_type IN ?", principalId, models.NotificationStatusPending, pickupEvents).
		Order("id ASC").
		Find(&open).Error
	if err != nil {
		return err
	}
	for _, rec := range open {
		if err := tx.Model(&models.NotificationRecord{}).Where("id = ?", rec.ID).Updates(retiredUpdates(rec, reason)).Error; err != nil {
			return err
		}
		if err := models.AppendEvent(tx, retiredEvent(ctx, rec, reason)); err != nil {
			return err
		}
	}
	return nil
}
