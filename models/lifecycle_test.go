package models

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

func readyDoc(t *testing.T) Document {
	t.Helper()
	doc, err := MarkReady(newLedgerDoc("100"), "0427", testNow)
	if err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	return doc
}

func TestGenerateVerificationCode(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := GenerateVerificationCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !isVerificationCode(code) {
			t.Fatalf("expected 4 digits, got %q", code)
		}
	}
}

func TestMarkReady(t *testing.T) {
	doc := newLedgerDoc("100")
	if doc.VerificationCode != nil {
		t.Fatalf("code must be nil before ready")
	}
	ready, err := MarkReady(doc, "0427", testNow)
	if err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	if ready.State != DocumentStateReadyForPickup || ready.VerificationCode == nil || *ready.VerificationCode != "0427" {
		t.Fatalf("unexpected ready document: %+v", ready)
	}
	if doc.State != DocumentStateInProgress {
		t.Fatalf("input document must not change")
	}

	again, err := MarkReady(ready, "1111", testNow)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on re-invocation, got %v", err)
	}
	if *again.VerificationCode != "0427" {
		t.Fatalf("code must not be regenerated silently")
	}

	if _, err := MarkReady(doc, "12a4", testNow); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for malformed code, got %v", err)
	}
}

func TestDeliver(t *testing.T) {
	doc := readyDoc(t)
	receiver := ReceiverInfo{Name: "Ana Pérez", IdNumber: "1712345678", Relationship: "titular"}

	same, err := Deliver(doc, "9999", receiver, testNow)
	if !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch, got %v", err)
	}
	if same.State != DocumentStateReadyForPickup || same.DeliveredAt != nil {
		t.Fatalf("state must be unchanged after mismatch")
	}

	if _, err := Deliver(doc, "0427", ReceiverInfo{}, testNow); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without receiver, got %v", err)
	}

	delivered, err := Deliver(doc, " 0427 ", receiver, testNow)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.State != DocumentStateDelivered || delivered.ReceiverName != "Ana Pérez" || delivered.DeliveredAt == nil {
		t.Fatalf("unexpected delivered document: %+v", delivered)
	}

	if _, err := Deliver(newLedgerDoc("10"), "0427", receiver, testNow); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("in_progress documents cannot be delivered, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	if _, err := Cancel(newLedgerDoc("10"), "", testNow); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected reason to be required, got %v", err)
	}
	for _, doc := range []Document{newLedgerDoc("10"), readyDoc(t)} {
		cancelled, err := Cancel(doc, "cliente desiste", testNow)
		if err != nil {
			t.Fatalf("cancel from %s: %v", doc.State, err)
		}
		if cancelled.State != DocumentStateCancelled || cancelled.CancelledAt == nil {
			t.Fatalf("unexpected cancelled document: %+v", cancelled)
		}
	}
}

func TestReissueCode(t *testing.T) {
	doc := readyDoc(t)
	reissued, err := ReissueCode(doc, "8080")
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if *reissued.VerificationCode != "8080" || reissued.State != DocumentStateReadyForPickup {
		t.Fatalf("unexpected reissued document: %+v", reissued)
	}
	if _, err := ReissueCode(newLedgerDoc("10"), "8080"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reissue requires ready_for_pickup, got %v", err)
	}
}

func TestLifecycle_DependentRejectsDirectTransitions(t *testing.T) {
	principalId := 1
	dep := newLedgerDoc("10")
	dep.ID = 2
	dep.IsPrincipal = false
	dep.PrincipalId = &principalId

	if _, err := MarkReady(dep, "0427", testNow); !errors.Is(err, ErrNotPrincipal) {
		t.Fatalf("expected ErrNotPrincipal, got %v", err)
	}
	if _, err := Cancel(dep, "x", testNow); !errors.Is(err, ErrNotPrincipal) {
		t.Fatalf("expected ErrNotPrincipal, got %v", err)
	}
	// group propagation applies the transition itself
	if _, err := MarkReadyTransition("0427", testNow).Apply(dep); err != nil {
		t.Fatalf("transition apply on member: %v", err)
	}
}

func TestLifecycle_TerminalStatesAreFinal(t *testing.T) {
	receiver := ReceiverInfo{Name: "Luis"}
	delivered, err := Deliver(readyDoc(t), "0427", receiver, testNow)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	cancelled, err := Cancel(newLedgerDoc("10"), "duplicado", testNow)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	transitions := []Transition{
		MarkReadyTransition("1234", testNow),
		DeliverTransition("0427", receiver, testNow),
		CancelTransition("again", testNow),
		ReissueCodeTransition("5555"),
	}
	for _, doc := range []Document{delivered, cancelled} {
		for _, tr := range transitions {
			next, err := tr.Apply(doc)
			if !errors.Is(err, ErrInvalidState) {
				t.Fatalf("%s from %s: expected ErrInvalidState, got %v", tr.Name, doc.State, err)
			}
			if next.State != doc.State {
				t.Fatalf("%s moved a %s document to %s", tr.Name, doc.State, next.State)
			}
		}
		if !doc.State.IsTerminal() {
			t.Fatalf("%s should be terminal", doc.State)
		}
	}
}
