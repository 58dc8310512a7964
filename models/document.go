package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Document struct {
	ID               int                 `gorm:"primary_key" json:"id"`
	Code             string              `gorm:"size:100;uniqueIndex;not null" json:"code"`
	VerificationCode *string             `gorm:"size:4;default:null" json:"-"`
	ClientName       string              `gorm:"size:255;not null" json:"client_name"`
	ClientIdNumber   string              `gorm:"size:30;index" json:"client_id_number"`
	ClientPhone      string              `gorm:"size:30" json:"client_phone"`
	ClientEmail      string              `gorm:"size:255" json:"client_email"`
	InvoicedAmount   decimal.Decimal     `gorm:"type:decimal(20,2);not null;default:0" json:"invoiced_amount"`
	PaidAmount       decimal.Decimal     `gorm:"type:decimal(20,2);not null;default:0" json:"paid_amount"`
	PendingAmount    decimal.Decimal     `gorm:"type:decimal(20,2);not null;default:0" json:"pending_amount"`
	RetainedAmount   decimal.Decimal     `gorm:"type:decimal(20,2);not null;default:0" json:"retained_amount"`
	PaymentState     PaymentState        `gorm:"size:30;index;not null;default:unpaid" json:"payment_state"`
	State            DocumentState       `gorm:"size:30;index;not null;default:in_progress" json:"state"`
	IsCreditNote     bool                `gorm:"not null;default:false" json:"is_credit_note"`
	IsPrincipal      bool                `gorm:"not null;default:true" json:"is_principal"`
	PrincipalId      *int                `gorm:"index;default:null" json:"principal_id"`
	AutoNotify       bool                `gorm:"not null;default:false" json:"auto_notify"`
	Channel          NotificationChannel `gorm:"size:20;not null;default:none" json:"channel"`
	SkipReason       *string             `gorm:"size:255;default:null" json:"skip_reason"`
	ImmediateHandoff bool                `gorm:"not null;default:false" json:"immediate_handoff"`

	ReceiverName         string     `gorm:"size:255" json:"receiver_name,omitempty"`
	ReceiverIdNumber     string     `gorm:"size:30" json:"receiver_id_number,omitempty"`
	ReceiverRelationship string     `gorm:"size:100" json:"receiver_relationship,omitempty"`
	DeliveredAt          *time.Time `json:"delivered_at,omitempty"`

	ReadyAt      *time.Time `gorm:"index" json:"ready_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelReason string     `gorm:"type:text" json:"cancel_reason,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewDocument struct {
	Code             string              `json:"code" validate:"required,max=100"`
	ClientName       string              `json:"client_name" validate:"required,max=255"`
	ClientIdNumber   string              `json:"client_id_number" validate:"max=30"`
	ClientPhone      string              `json:"client_phone" validate:"max=30"`
	ClientEmail      string              `json:"client_email" validate:"omitempty,email"`
	InvoicedAmount   decimal.Decimal     `json:"invoiced_amount"`
	IsCreditNote     bool                `json:"is_credit_note"`
	AutoNotify       bool                `json:"auto_notify"`
	Channel          NotificationChannel `json:"channel"`
	SkipReason       *string             `json:"skip_reason"`
	ImmediateHandoff bool                `json:"immediate_handoff"`
}

// MapInput builds a fresh in_progress document with a zeroed ledger.
func (input NewDocument) MapInput() (*Document, error) {
	if !input.InvoicedAmount.IsPositive() {
		return nil, fmt.Errorf("%w: invoiced amount must be greater than zero", ErrInvalidInput)
	}
	if !input.InvoicedAmount.Equal(input.InvoicedAmount.Round(2)) {
		return nil, fmt.Errorf("%w: invoiced amount has more than two decimals", ErrInvalidInput)
	}
	channel := input.Channel
	if channel == "" {
		channel = NotificationChannelNone
	}
	if !channel.IsValid() {
		return nil, fmt.Errorf("%w: channel %q", ErrInvalidInput, channel)
	}

	doc := Document{
		Code:             strings.TrimSpace(input.Code),
		ClientName:       strings.TrimSpace(input.ClientName),
		ClientIdNumber:   strings.TrimSpace(input.ClientIdNumber),
		ClientPhone:      strings.TrimSpace(input.ClientPhone),
		ClientEmail:      strings.TrimSpace(input.ClientEmail),
		InvoicedAmount:   input.InvoicedAmount,
		PaidAmount:       decimal.Zero,
		RetainedAmount:   decimal.Zero,
		State:            DocumentStateInProgress,
		IsCreditNote:     input.IsCreditNote,
		IsPrincipal:      true,
		AutoNotify:       input.AutoNotify,
		Channel:          channel,
		SkipReason:       blankToNil(input.SkipReason),
		ImmediateHandoff: input.ImmediateHandoff,
	}
	doc = Recalculate(doc)
	return &doc, nil
}

func blankToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

func (d Document) IsDependent() bool {
	return d.PrincipalId != nil
}

// ContactFor returns the recipient address for a channel, empty when unknown.
func (d Document) ContactFor(channel NotificationChannel) string {
	switch channel {
	case NotificationChannelWhatsapp:
		return strings.TrimSpace(d.ClientPhone)
	case NotificationChannelEmail:
		return strings.TrimSpace(d.ClientEmail)
	}
	return ""
}

func (d *Document) BeforeSave(tx *gorm.DB) error {
	if d.ImmediateHandoff {
		d.AutoNotify = false
	}
	if d.Channel == "" {
		d.Channel = NotificationChannelNone
	}
	d.SkipReason = blankToNil(d.SkipReason)
	if d.PrincipalId != nil {
		if d.IsPrincipal {
			return fmt.Errorf("%w: document %d cannot be principal and dependent", ErrInvalidHierarchy, d.ID)
		}
		if d.ID != 0 && *d.PrincipalId == d.ID {
			return fmt.Errorf("%w: document %d cannot depend on itself", ErrInvalidHierarchy, d.ID)
		}
	} else {
		// standalone documents are principals with no dependents
		d.IsPrincipal = true
	}
	return nil
}

func (d *Document) BeforeDelete(tx *gorm.DB) error {
	return errors.New("documents are never deleted by normal flow")
}

// GetDocument reads without locking.
func GetDocument(ctx context.Context, db *gorm.DB, id int) (*Document, error) {
	var doc Document
	err := db.WithContext(ctx).First(&doc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// LockDocument loads one row FOR UPDATE inside tx.
func LockDocument(tx *gorm.DB, id int) (*Document, error) {
	var doc Document
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&doc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListDependents returns the dependents of a principal in id order.
func ListDependents(ctx context.Context, db *gorm.DB, principalId int) ([]Document, error) {
	var docs []Document
	err := db.WithContext(ctx).Where("principal_id = ?", principalId).Order("id ASC").Find(&docs).Error
	return docs, err
}
