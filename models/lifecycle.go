package models

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ReceiverInfo identifies who physically took the document.
type ReceiverInfo struct {
	Name         string `json:"name" validate:"required,max=255"`
	IdNumber     string `json:"id_number" validate:"max=30"`
	Relationship string `json:"relationship" validate:"max=100"`
}

// GenerateVerificationCode returns a uniformly random 4-digit pickup code.
func GenerateVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

func isVerificationCode(code string) bool {
	if len(code) != 4 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func codesMatch(stored *string, supplied string) bool {
	if stored == nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(*stored), []byte(strings.TrimSpace(supplied))) == 1
}

// Transition is a lifecycle step that can be applied to a whole document group.
type Transition struct {
	Name        string
	TargetState DocumentState
	apply       func(Document) (Document, error)
}

// Apply runs the transition on one group member; hierarchy checks are the caller's job.
func (t Transition) Apply(doc Document) (Document, error) {
	return t.apply(doc)
}

func MarkReadyTransition(code string, at time.Time) Transition {
	return Transition{
		Name:        "mark_ready",
		TargetState: DocumentStateReadyForPickup,
		apply: func(doc Document) (Document, error) {
			if doc.State != DocumentStateInProgress {
				return doc, fmt.Errorf("%w: cannot mark ready from %s", ErrInvalidState, doc.State)
			}
			if doc.VerificationCode != nil {
				return doc, fmt.Errorf("%w: verification code already issued", ErrInvalidState)
			}
			if !isVerificationCode(code) {
				return doc, fmt.Errorf("%w: verification code must be 4 digits", ErrInvalidInput)
			}
			c := code
			t := at.UTC()
			doc.State = DocumentStateReadyForPickup
			doc.VerificationCode = &c
			doc.ReadyAt = &t
			return doc, nil
		},
	}
}

func DeliverTransition(suppliedCode string, receiver ReceiverInfo, at time.Time) Transition {
	return Transition{
		Name:        "deliver",
		TargetState: DocumentStateDelivered,
		apply: func(doc Document) (Document, error) {
			if doc.State != DocumentStateReadyForPickup {
				return doc, fmt.Errorf("%w: cannot deliver from %s", ErrInvalidState, doc.State)
			}
			if !codesMatch(doc.VerificationCode, suppliedCode) {
				return doc, ErrCodeMismatch
			}
			if strings.TrimSpace(receiver.Name) == "" {
				return doc, fmt.Errorf("%w: receiver name is required", ErrInvalidInput)
			}
			t := at.UTC()
			doc.State = DocumentStateDelivered
			doc.ReceiverName = strings.TrimSpace(receiver.Name)
			doc.ReceiverIdNumber = strings.TrimSpace(receiver.IdNumber)
			doc.ReceiverRelationship = strings.TrimSpace(receiver.Relationship)
			doc.DeliveredAt = &t
			return doc, nil
		},
	}
}

func CancelTransition(reason string, at time.Time) Transition {
	return Transition{
		Name:        "cancel",
		TargetState: DocumentStateCancelled,
		apply: func(doc Document) (Document, error) {
			if doc.State != DocumentStateInProgress && doc.State != DocumentStateReadyForPickup {
				return doc, fmt.Errorf("%w: cannot cancel from %s", ErrInvalidState, doc.State)
			}
			if strings.TrimSpace(reason) == "" {
				return doc, fmt.Errorf("%w: cancel reason is required", ErrInvalidInput)
			}
			t := at.UTC()
			doc.State = DocumentStateCancelled
			doc.CancelReason = strings.TrimSpace(reason)
			doc.CancelledAt = &t
			return doc, nil
		},
	}
}

// ReissueCodeTransition replaces the pickup code of a ready document.
func ReissueCodeTransition(code string) Transition {
	return Transition{
		Name:        "reissue_code",
		TargetState: DocumentStateReadyForPickup,
		apply: func(doc Document) (Document, error) {
			if doc.State != DocumentStateReadyForPickup {
				return doc, fmt.Errorf("%w: cannot reissue code from %s", ErrInvalidState, doc.State)
			}
			if !isVerificationCode(code) {
				return doc, fmt.Errorf("%w: verification code must be 4 digits", ErrInvalidInput)
			}
			c := code
			doc.VerificationCode = &c
			return doc, nil
		},
	}
}

func applyDirect(doc Document, t Transition) (Document, error) {
	if doc.IsDependent() {
		return doc, fmt.Errorf("%w: document %d depends on %d", ErrNotPrincipal, doc.ID, *doc.PrincipalId)
	}
	return t.Apply(doc)
}

// MarkReady moves an in_progress document to ready_for_pickup with the given code.
// Calling it again on a ready document fails; use ReissueCode to replace a lost code.
func MarkReady(doc Document, code string, at time.Time) (Document, error) {
	return applyDirect(doc, MarkReadyTransition(code, at))
}

func Deliver(doc Document, suppliedCode string, receiver ReceiverInfo, at time.Time) (Document, error) {
	return applyDirect(doc, DeliverTransition(suppliedCode, receiver, at))
}

func Cancel(doc Document, reason string, at time.Time) (Document, error) {
	return applyDirect(doc, CancelTransition(reason, at))
}

func ReissueCode(doc Document, code string) (Document, error) {
	return applyDirect(doc, ReissueCodeTransition(code))
}
