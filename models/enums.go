package models

import (
	"errors"
	"strings"
)

type DocumentState string

const (
	DocumentStateInProgress     DocumentState = "in_progress"
	DocumentStateReadyForPickup DocumentState = "ready_for_pickup"
	DocumentStateDelivered      DocumentState = "delivered"
	DocumentStateCancelled      DocumentState = "cancelled"
)

// IsTerminal reports states no operation may leave.
func (s DocumentState) IsTerminal() bool {
	return s == DocumentStateDelivered || s == DocumentStateCancelled
}

func (s DocumentState) IsValid() bool {
	switch s {
	case DocumentStateInProgress, DocumentStateReadyForPickup, DocumentStateDelivered, DocumentStateCancelled:
		return true
	}
	return false
}

// convert input to enum type
func (s *DocumentState) UnmarshalText(b []byte) error {
	v := DocumentState(strings.TrimSpace(string(b)))
	if !v.IsValid() {
		return errors.New("invalid document state")
	}
	*s = v
	return nil
}

type PaymentState string

const (
	PaymentStateUnpaid            PaymentState = "unpaid"
	PaymentStatePartiallyPaid     PaymentState = "partially_paid"
	PaymentStatePaidFull          PaymentState = "paid_full"
	PaymentStatePaidWithRetention PaymentState = "paid_with_retention"
)

// IsSettled is true when nothing is left to collect.
func (s PaymentState) IsSettled() bool {
	return s == PaymentStatePaidFull || s == PaymentStatePaidWithRetention
}

type NotificationChannel string

const (
	NotificationChannelWhatsapp NotificationChannel = "whatsapp"
	NotificationChannelEmail    NotificationChannel = "email"
	NotificationChannelNone     NotificationChannel = "none"
)

func (c NotificationChannel) IsValid() bool {
	switch c {
	case NotificationChannelWhatsapp, NotificationChannelEmail, NotificationChannelNone:
		return true
	}
	return false
}

// convert input to enum type
func (c *NotificationChannel) UnmarshalText(b []byte) error {
	v := NotificationChannel(strings.ToLower(strings.TrimSpace(string(b))))
	if v == "" {
		v = NotificationChannelNone
	}
	if !v.IsValid() {
		return errors.New("invalid notification channel")
	}
	*c = v
	return nil
}

type NotificationEventType string

const (
	NotificationEventReady         NotificationEventType = "ready"
	NotificationEventDelivered     NotificationEventType = "delivered"
	NotificationEventBulkDelivered NotificationEventType = "bulk_delivered"
	NotificationEventReminder      NotificationEventType = "reminder"
)

func (e NotificationEventType) IsValid() bool {
	switch e {
	case NotificationEventReady, NotificationEventDelivered, NotificationEventBulkDelivered, NotificationEventReminder:
		return true
	}
	return false
}

type NotificationStatus string

// pending with NextRetryAt set means a retry is scheduled; failed is terminal.
const (
	NotificationStatusPending   NotificationStatus = "pending"
	NotificationStatusSent      NotificationStatus = "sent"
	NotificationStatusSimulated NotificationStatus = "simulated"
	NotificationStatusFailed    NotificationStatus = "failed"
	NotificationStatusSkipped   NotificationStatus = "skipped"
)

// IsFinal reports statuses the sweep never picks up again.
func (s NotificationStatus) IsFinal() bool {
	return s != NotificationStatusPending
}

type EventType string

const (
	EventTypeCreated      EventType = "created"
	EventTypeStateChange  EventType = "state_change"
	EventTypePayment      EventType = "payment"
	EventTypeNotification EventType = "notification"
	EventTypeDelivery     EventType = "delivery"
	EventTypeCorrection   EventType = "correction"
)

// Outcome values stored in EventRecord details.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFault    = "fault"
)
