package models

import (
	"context"
	"errors"
	"time"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventRecord is the append-only audit trail; payment events are the source for ledger replay.
type EventRecord struct {
	ID            int               `gorm:"primary_key" json:"id"`
	DocumentId    int               `gorm:"index;not null" json:"document_id"`
	Type          EventType         `gorm:"size:30;index;not null" json:"type"`
	Actor         string            `gorm:"size:100;not null" json:"actor"`
	CorrelationId string            `gorm:"size:64;index" json:"correlation_id"`
	Details       datatypes.JSONMap `json:"details"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

// Audit immutability guardrails: event_records are append-only (no updates/deletes).

func (e *EventRecord) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable audit trail: event_records cannot be updated")
}

func (e *EventRecord) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable audit trail: event_records cannot be deleted")
}

// NewEvent stamps actor and correlation id from ctx.
func NewEvent(ctx context.Context, documentId int, eventType EventType, details map[string]interface{}) *EventRecord {
	if details == nil {
		details = map[string]interface{}{}
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	return &EventRecord{
		DocumentId:    documentId,
		Type:          eventType,
		Actor:         utils.ActorOrSystem(ctx),
		CorrelationId: correlationId,
		Details:       datatypes.JSONMap(details),
	}
}

// AppendEvent inserts event with tx; prior rows are never touched.
func AppendEvent(tx *gorm.DB, event *EventRecord) error {
	if event == nil {
		return errors.New("event is nil")
	}
	if event.ID != 0 {
		return errors.New("event already appended")
	}
	if event.Actor == "" {
		event.Actor = utils.ActorOrSystem(tx.Statement.Context)
	}
	if event.CorrelationId == "" {
		event.CorrelationId, _ = utils.GetCorrelationIdFromContext(tx.Statement.Context)
	}
	if event.Details == nil {
		event.Details = datatypes.JSONMap{}
	}
	return tx.Create(event).Error
}

// ListEvents returns the trail of a document, oldest first.
func ListEvents(ctx context.Context, db *gorm.DB, documentId int) ([]EventRecord, error) {
	var events []EventRecord
	err := db.WithContext(ctx).Where("document_id = ?", documentId).Order("id ASC").Find(&events).Error
	return events, err
}

// ListPaymentEntries reads the successful payment events of a document for replay.
func ListPaymentEntries(ctx context.Context, db *gorm.DB, documentId int) ([]PaymentEntry, error) {
	var events []EventRecord
	err := db.WithContext(ctx).
		Where("document_id = ? AND type = ?", documentId, EventTypePayment).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}

	entries := make([]PaymentEntry, 0, len(events))
	for _, e := range events {
		if outcome, _ := e.Details["outcome"].(string); outcome != OutcomeOK {
			continue
		}
		amount, err := utils.ParseAmount(e.Details["amount"])
		if err != nil {
			return nil, err
		}
		isRetention, _ := e.Details["is_retention"].(bool)
		entries = append(entries, PaymentEntry{Amount: amount, IsRetention: isRetention})
	}
	return entries, nil
}
