package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NotificationRecord is one logical client message plus its retry bookkeeping.
// Bulk deliveries keep every document id in DocumentIds; DocumentId is the first of them.
type NotificationRecord struct {
	ID              int                   `gorm:"primary_key;index:idx_notification_sweep,priority:3" json:"id"`
	DocumentId      int                   `gorm:"index;not null" json:"document_id"`
	DocumentIds     datatypes.JSON        `json:"document_ids"`
	EventType       NotificationEventType `gorm:"size:30;index;not null" json:"event_type"`
	Channel         NotificationChannel   `gorm:"size:20;not null" json:"channel"`
	Recipient       string                `gorm:"size:255" json:"recipient"`
	Status          NotificationStatus    `gorm:"size:20;not null;index:idx_notification_sweep,priority:1" json:"status"` // pending|sent|simulated|failed|skipped
	Attempts        int                   `gorm:"not null;default:0" json:"attempts"`
	LastError       *string               `gorm:"type:text" json:"last_error"`
	NextRetryAt     *time.Time            `gorm:"index:idx_notification_sweep,priority:2" json:"next_retry_at"`
	Body            string                `gorm:"type:text" json:"-"` // carries the pickup code
	GatewayResponse datatypes.JSON        `json:"gateway_response"`
	Metadata        datatypes.JSONMap     `json:"metadata"`
	IdempotencyKey  string                `gorm:"size:255;uniqueIndex;not null" json:"-"`
	LockedAt        *time.Time            `gorm:"index" json:"locked_at"`
	LockedBy        *string               `gorm:"size:100" json:"locked_by"`
	SentAt          *time.Time            `json:"sent_at"`
	CreatedAt       time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r *NotificationRecord) BeforeDelete(tx *gorm.DB) error {
	return errors.New("notification_records cannot be deleted")
}

// SetDocumentIds stores ids (sorted, unique) and sets DocumentId to the first one.
func (r *NotificationRecord) SetDocumentIds(ids []int) error {
	ids = utils.SortedUniqueInts(ids)
	if len(ids) == 0 {
		return fmt.Errorf("%w: notification needs at least one document", ErrInvalidInput)
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	r.DocumentIds = datatypes.JSON(b)
	r.DocumentId = ids[0]
	return nil
}

func (r NotificationRecord) GetDocumentIds() []int {
	var ids []int
	if len(r.DocumentIds) > 0 {
		if err := json.Unmarshal(r.DocumentIds, &ids); err == nil && len(ids) > 0 {
			return ids
		}
	}
	if r.DocumentId != 0 {
		return []int{r.DocumentId}
	}
	return nil
}

// RetryScheduled reports a pending record waiting for the sweep.
func (r NotificationRecord) RetryScheduled() bool {
	return r.Status == NotificationStatusPending && r.NextRetryAt != nil
}

// NotificationIdempotencyKey is "<event>:<sorted ids>:<discriminator>".
// The discriminator is the pickup code for ready notifications and a day stamp otherwise.
func NotificationIdempotencyKey(eventType NotificationEventType, documentIds []int, discriminator string) string {
	return strings.Join([]string{
		string(eventType),
		utils.JoinInts(utils.SortedUniqueInts(documentIds)),
		discriminator,
	}, ":")
}

func GetNotificationByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*NotificationRecord, error) {
	var rec NotificationRecord
	if err := db.WithContext(ctx).Where("idempotency_key = ?", key).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func ListNotifications(ctx context.Context, db *gorm.DB, documentId int) ([]NotificationRecord, error) {
	var recs []NotificationRecord
	err := db.WithContext(ctx).Where("document_id = ?", documentId).Order("id ASC").Find(&recs).Error
	return recs, err
}

// ListFollowUp returns terminally failed notifications, newest first.
func ListFollowUp(ctx context.Context, db *gorm.DB, limit int) ([]NotificationRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	var recs []NotificationRecord
	err := db.WithContext(ctx).
		Where("status = ?", NotificationStatusFailed).
		Order("updated_at DESC, id DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}
