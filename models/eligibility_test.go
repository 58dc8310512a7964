package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func eligibleDoc() Document {
	return Document{
		ID:          1,
		IsPrincipal: true,
		AutoNotify:  true,
		Channel:     NotificationChannelWhatsapp,
		ClientPhone: "0991234567",
		ClientEmail: "cliente@example.com",
	}
}

func TestEvaluate_Eligible(t *testing.T) {
	e := Evaluate(eligibleDoc())
	if !e.ShouldNotify || e.Channel != NotificationChannelWhatsapp || len(e.Reasons) != 0 {
		t.Fatalf("expected eligible whatsapp, got %+v", e)
	}
}

func TestEvaluate_EachRule(t *testing.T) {
	principalId := 9
	skip := "cliente pidió no ser contactado"
	cases := []struct {
		name   string
		mutate func(*Document)
	}{
		{"auto notify off", func(d *Document) { d.AutoNotify = false }},
		{"immediate handoff", func(d *Document) { d.ImmediateHandoff = true }},
		{"channel none", func(d *Document) { d.Channel = NotificationChannelNone }},
		{"dependent", func(d *Document) { d.IsPrincipal = false; d.PrincipalId = &principalId }},
		{"missing phone", func(d *Document) { d.ClientPhone = "  " }},
		{"missing email", func(d *Document) { d.Channel = NotificationChannelEmail; d.ClientEmail = "" }},
		{"skip reason", func(d *Document) { d.SkipReason = &skip }},
	}
	for _, tc := range cases {
		d := eligibleDoc()
		tc.mutate(&d)
		e := Evaluate(d)
		if e.ShouldNotify {
			t.Fatalf("%s: expected ineligible", tc.name)
		}
		if len(e.Reasons) != 1 {
			t.Fatalf("%s: expected exactly one reason, got %v", tc.name, e.Reasons)
		}
	}
}

func TestEvaluate_BlankSkipReasonIsIgnored(t *testing.T) {
	for _, blank := range []string{"", "   "} {
		d := eligibleDoc()
		d.SkipReason = &blank
		if e := Evaluate(d); !e.ShouldNotify || len(e.Reasons) != 0 {
			t.Fatalf("blank skip reason %q must not block notification, got %+v", blank, e)
		}
	}

	blank := " "
	doc, err := NewDocument{
		Code:           "S-001",
		ClientName:     "Cliente",
		InvoicedAmount: dec("10.00"),
		AutoNotify:     true,
		Channel:        NotificationChannelWhatsapp,
		SkipReason:     &blank,
	}.MapInput()
	if err != nil {
		t.Fatalf("map input: %v", err)
	}
	if doc.SkipReason != nil {
		t.Fatalf("blank skip reason must be stored as nil, got %q", *doc.SkipReason)
	}

	d := eligibleDoc()
	d.SkipReason = &blank
	if err := d.BeforeSave(nil); err != nil || d.SkipReason != nil {
		t.Fatalf("before save must clear a blank skip reason: %v err=%v", d.SkipReason, err)
	}
}

func TestEvaluate_ImmediateHandoffAlwaysWins(t *testing.T) {
	for _, ch := range []NotificationChannel{NotificationChannelWhatsapp, NotificationChannelEmail, NotificationChannelNone} {
		for _, auto := range []bool{true, false} {
			d := eligibleDoc()
			d.Channel = ch
			d.AutoNotify = auto
			d.ImmediateHandoff = true
			if Evaluate(d).ShouldNotify {
				t.Fatalf("immediate handoff must never notify (channel=%s auto=%v)", ch, auto)
			}
		}
	}
}

func TestEvaluate_CollectsAllReasons(t *testing.T) {
	d := Document{Channel: NotificationChannelNone, ImmediateHandoff: true}
	e := Evaluate(d)
	if len(e.Reasons) != 3 {
		t.Fatalf("expected three reasons, got %v", e.Reasons)
	}
}

func TestBeforeSave_ImmediateHandoffClearsAutoNotify(t *testing.T) {
	d := eligibleDoc()
	d.ImmediateHandoff = true
	if err := d.BeforeSave(nil); err != nil {
		t.Fatalf("before save: %v", err)
	}
	if d.AutoNotify {
		t.Fatalf("auto notify must be forced false")
	}
}

func TestBeforeSave_Hierarchy(t *testing.T) {
	principalId := 3
	d := Document{ID: 4, IsPrincipal: true, PrincipalId: &principalId}
	if err := d.BeforeSave(nil); !errors.Is(err, ErrInvalidHierarchy) {
		t.Fatalf("expected ErrInvalidHierarchy, got %v", err)
	}
	self := 4
	d = Document{ID: 4, PrincipalId: &self}
	if err := d.BeforeSave(nil); !errors.Is(err, ErrInvalidHierarchy) {
		t.Fatalf("expected ErrInvalidHierarchy for self link, got %v", err)
	}
	d = Document{ID: 5}
	if err := d.BeforeSave(nil); err != nil || !d.IsPrincipal || d.Channel != NotificationChannelNone {
		t.Fatalf("standalone document should normalize to principal: %+v err=%v", d, err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err      error
		expected ErrorClass
	}{
		{fmt.Errorf("wrap: %w", ErrCodeMismatch), ErrorClassRejected},
		{ErrInvalidState, ErrorClassRejected},
		{&MemberError{DocumentId: 3, Err: ErrInvalidState}, ErrorClassRejected},
		{ErrPaymentPending, ErrorClassRejected},
		{fmt.Errorf("%w: id 3", ErrDocumentNotFound), ErrorClassNotFound},
		{ErrLedgerInvariantViolation, ErrorClassFault},
		{ErrGatewayUnavailable, ErrorClassTransient},
		{context.DeadlineExceeded, ErrorClassTransient},
		{ErrNotificationExhausted, ErrorClassTerminal},
		{errors.New("boom"), ErrorClassUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.expected {
			t.Fatalf("Classify(%v): expected %s, got %s", tc.err, tc.expected, got)
		}
	}
	if Classify(nil) != "" {
		t.Fatalf("nil error has no class")
	}
}

func TestNotificationIdempotencyKey(t *testing.T) {
	a := NotificationIdempotencyKey(NotificationEventBulkDelivered, []int{9, 3, 3, 5}, "20240510")
	b := NotificationIdempotencyKey(NotificationEventBulkDelivered, []int{5, 9, 3}, "20240510")
	if a != b || a != "bulk_delivered:3,5,9:20240510" {
		t.Fatalf("unexpected keys %q %q", a, b)
	}

	var rec NotificationRecord
	if err := rec.SetDocumentIds([]int{9, 3}); err != nil {
		t.Fatalf("set ids: %v", err)
	}
	if rec.DocumentId != 3 {
		t.Fatalf("expected first id 3, got %d", rec.DocumentId)
	}
	ids := rec.GetDocumentIds()
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 9 {
		t.Fatalf("unexpected ids %v", ids)
	}
	if err := rec.SetDocumentIds(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty ids, got %v", err)
	}
}
