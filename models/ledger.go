package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// LedgerTolerance is the rounding slack allowed when comparing ledger sums.
var LedgerTolerance = decimal.New(1, -2)

// pendingFor is the only place the pending formula lives.
func pendingFor(invoiced, paid, retained decimal.Decimal) decimal.Decimal {
	pending := invoiced.Sub(paid).Sub(retained)
	if pending.IsNegative() {
		return decimal.Zero
	}
	return pending.Round(2)
}

// paymentStateFor applies the rules in priority order.
func paymentStateFor(pending, paid, retained decimal.Decimal) PaymentState {
	switch {
	case pending.LessThanOrEqual(LedgerTolerance) && retained.IsPositive():
		return PaymentStatePaidWithRetention
	case pending.LessThanOrEqual(LedgerTolerance):
		return PaymentStatePaidFull
	case paid.IsPositive():
		return PaymentStatePartiallyPaid
	default:
		return PaymentStateUnpaid
	}
}

// Recalculate re-derives PendingAmount and PaymentState from invoiced/paid/retained.
func Recalculate(doc Document) Document {
	doc.PendingAmount = pendingFor(doc.InvoicedAmount, doc.PaidAmount, doc.RetainedAmount)
	doc.PaymentState = paymentStateFor(doc.PendingAmount, doc.PaidAmount, doc.RetainedAmount)
	return doc
}

// ApplyPayment adds amount to PaidAmount (or RetainedAmount when isRetention) and recomputes the ledger.
// The input document is not modified.
func ApplyPayment(doc Document, amount decimal.Decimal, isRetention bool) (Document, error) {
	if !amount.IsPositive() {
		return doc, fmt.Errorf("%w: amount must be greater than zero, got %s", ErrInvalidAmount, amount.String())
	}
	if !amount.Equal(amount.Round(2)) {
		return doc, fmt.Errorf("%w: amount %s has more than two decimals", ErrInvalidAmount, amount.String())
	}
	if err := CheckInvariant(doc); err != nil {
		return doc, err
	}

	pending := pendingFor(doc.InvoicedAmount, doc.PaidAmount, doc.RetainedAmount)
	if amount.GreaterThan(pending) {
		return doc, fmt.Errorf("%w: amount %s exceeds pending %s", ErrInvalidAmount, amount.StringFixed(2), pending.StringFixed(2))
	}

	next := doc
	if isRetention {
		next.RetainedAmount = doc.RetainedAmount.Add(amount)
	} else {
		next.PaidAmount = doc.PaidAmount.Add(amount)
	}
	next = Recalculate(next)
	if err := CheckInvariant(next); err != nil {
		return doc, err
	}
	return next, nil
}

// VerifyInvariant checks non-negativity and, for live non-credit-note documents,
// invoiced == paid + pending + retained within LedgerTolerance.
func VerifyInvariant(doc Document) bool {
	return CheckInvariant(doc) == nil
}

// CheckInvariant is VerifyInvariant with the offending values in the error.
func CheckInvariant(doc Document) error {
	for name, v := range map[string]decimal.Decimal{
		"invoiced": doc.InvoicedAmount,
		"paid":     doc.PaidAmount,
		"pending":  doc.PendingAmount,
		"retained": doc.RetainedAmount,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: document %d has negative %s amount %s", ErrLedgerInvariantViolation, doc.ID, name, v.String())
		}
	}
	if doc.State == DocumentStateCancelled || doc.IsCreditNote {
		return nil
	}
	sum := doc.PaidAmount.Add(doc.PendingAmount).Add(doc.RetainedAmount)
	if doc.InvoicedAmount.Sub(sum).Abs().GreaterThan(LedgerTolerance) {
		return fmt.Errorf("%w: document %d invoiced=%s paid=%s pending=%s retained=%s",
			ErrLedgerInvariantViolation, doc.ID,
			doc.InvoicedAmount.StringFixed(2), doc.PaidAmount.StringFixed(2),
			doc.PendingAmount.StringFixed(2), doc.RetainedAmount.StringFixed(2))
	}
	return nil
}

// PaymentEntry is one payment as recorded in the audit trail.
type PaymentEntry struct {
	Amount      decimal.Decimal
	IsRetention bool
}

// ReplayPayments rebuilds paid/retained from the audited payments and re-derives the rest.
func ReplayPayments(doc Document, entries []PaymentEntry) Document {
	doc.PaidAmount = decimal.Zero
	doc.RetainedAmount = decimal.Zero
	for _, e := range entries {
		if e.IsRetention {
			doc.RetainedAmount = doc.RetainedAmount.Add(e.Amount)
		} else {
			doc.PaidAmount = doc.PaidAmount.Add(e.Amount)
		}
	}
	return Recalculate(doc)
}

type LedgerSummary struct {
	DocumentCount       int                  `json:"document_count"`
	CancelledCount      int                  `json:"cancelled_count"`
	Invoiced            decimal.Decimal      `json:"invoiced"`
	Collected           decimal.Decimal      `json:"collected"`
	Retained            decimal.Decimal      `json:"retained"`
	Pending             decimal.Decimal      `json:"pending"`
	ByPaymentState      map[PaymentState]int `json:"by_payment_state"`
	InvariantViolations []int                `json:"invariant_violations"`
}

// SummarizeLedger totals documents through Recalculate; cancelled documents are counted but not totalled.
// Stored rows whose values disagree with the recalculated ledger are listed in InvariantViolations.
func SummarizeLedger(docs []Document) LedgerSummary {
	s := LedgerSummary{
		Invoiced:            decimal.Zero,
		Collected:           decimal.Zero,
		Retained:            decimal.Zero,
		Pending:             decimal.Zero,
		ByPaymentState:      map[PaymentState]int{},
		InvariantViolations: []int{},
	}
	for _, stored := range docs {
		if stored.State == DocumentStateCancelled {
			s.CancelledCount++
			continue
		}
		doc := Recalculate(stored)
		if !VerifyInvariant(stored) || !doc.PendingAmount.Equal(stored.PendingAmount) || doc.PaymentState != stored.PaymentState {
			s.InvariantViolations = append(s.InvariantViolations, stored.ID)
		}
		s.DocumentCount++
		s.Invoiced = s.Invoiced.Add(doc.InvoicedAmount)
		s.Collected = s.Collected.Add(doc.PaidAmount)
		s.Retained = s.Retained.Add(doc.RetainedAmount)
		s.Pending = s.Pending.Add(doc.PendingAmount)
		s.ByPaymentState[doc.PaymentState]++
	}
	return s
}
