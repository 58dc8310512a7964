package workflow

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models/reports"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const ledgerScanBatchSize = 200

// LedgerDiscrepancy is a stored document whose ledger disagrees with its own fields or with the audit trail.
type LedgerDiscrepancy struct {
	DocumentId int    `json:"document_id"`
	Code       string `json:"code"`
	Reason     string `json:"reason"`
}

func (d LedgerDiscrepancy) GetCellValues() []interface{} {
	return []interface{}{d.DocumentId, d.Code, d.Reason}
}

type RepairResult struct {
	Document models.Document `json:"document"`
	Changed  bool            `json:"changed"`
}

func ledgerSnapshot(doc models.Document) map[string]interface{} {
	return map[string]interface{}{
		"invoiced_amount": doc.InvoicedAmount.StringFixed(2),
		"paid_amount":     doc.PaidAmount.StringFixed(2),
		"retained_amount": doc.RetainedAmount.StringFixed(2),
		"pending_amount":  doc.PendingAmount.StringFixed(2),
		"payment_state":   doc.PaymentState,
	}
}

func sameLedger(a, b models.Document) bool {
	return a.PaidAmount.Equal(b.PaidAmount) &&
		a.RetainedAmount.Equal(b.RetainedAmount) &&
		a.PendingAmount.Equal(b.PendingAmount) &&
		a.PaymentState == b.PaymentState
}

// RepairLedger rebuilds a document's ledger from its audited payments.
// The result is checked before it is written; a trail that cannot produce a valid ledger aborts the repair.
func (s *DocumentService) RepairLedger(ctx context.Context, id int) (result *RepairResult, err error) {
	ctx, span := tracer.Start(ctx, "DocumentService.RepairLedger")
	span.SetAttributes(attribute.Int("document_id", id))
	defer func() { endSpan(span, err) }()

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := models.LockDocument(tx, id)
		if err != nil {
			return err
		}
		entries, err := models.ListPaymentEntries(ctx, tx, id)
		if err != nil {
			return err
		}
		repaired := models.ReplayPayments(*stored, entries)
		if err := models.CheckInvariant(repaired); err != nil {
			return fmt.Errorf("replaying %d payment(s): %w", len(entries), err)
		}
		if sameLedger(*stored, repaired) {
			result = &RepairResult{Document: *stored}
			return nil
		}
		if err := tx.Save(&repaired).Error; err != nil {
			return err
		}
		result = &RepairResult{Document: repaired, Changed: true}
		return models.AppendEvent(tx, models.NewEvent(ctx, id, models.EventTypeCorrection, map[string]interface{}{
			"action":        "repair_ledger",
			"before":        ledgerSnapshot(*stored),
			"after":         ledgerSnapshot(repaired),
			"payment_count": len(entries),
			"outcome":       models.OutcomeOK,
		}))
	})
	if err != nil {
		s.auditFailure(ctx, id, models.EventTypeCorrection, map[string]interface{}{"action": "repair_ledger"}, err)
		return nil, err
	}
	return result, nil
}

// VerifyLedger scans every document and reports, without changing anything, those whose stored ledger
// breaks an invariant, is not what Recalculate derives, or differs from the replayed payment trail.
func (s *DocumentService) VerifyLedger(ctx context.Context) (discrepancies []LedgerDiscrepancy, err error) {
	ctx, span := tracer.Start(ctx, "DocumentService.VerifyLedger")
	defer func() { endSpan(span, err) }()

	discrepancies = []LedgerDiscrepancy{}
	var batch []models.Document
	res := s.DB.WithContext(ctx).FindInBatches(&batch, ledgerScanBatchSize, func(tx *gorm.DB, _ int) error {
		for _, doc := range batch {
			if err := models.CheckInvariant(doc); err != nil {
				discrepancies = append(discrepancies, LedgerDiscrepancy{DocumentId: doc.ID, Code: doc.Code, Reason: err.Error()})
				continue
			}
			if !sameLedger(doc, models.Recalculate(doc)) {
				discrepancies = append(discrepancies, LedgerDiscrepancy{DocumentId: doc.ID, Code: doc.Code, Reason: "stored pending amount or payment state is stale"})
				continue
			}
			entries, err := models.ListPaymentEntries(ctx, s.DB, doc.ID)
			if err != nil {
				return err
			}
			if !sameLedger(doc, models.ReplayPayments(doc, entries)) {
				discrepancies = append(discrepancies, LedgerDiscrepancy{DocumentId: doc.ID, Code: doc.Code, Reason: "ledger differs from audited payments"})
			}
		}
		return nil
	})
	if res.Error != nil {
		return nil, res.Error
	}
	span.SetAttributes(attribute.Int("discrepancies", len(discrepancies)))
	return discrepancies, nil
}

// LedgerReport totals the ledger of every document.
func (s *DocumentService) LedgerReport(ctx context.Context) (summary models.LedgerSummary, err error) {
	ctx, span := tracer.Start(ctx, "DocumentService.LedgerReport")
	defer func() { endSpan(span, err) }()

	var docs []models.Document
	if err = s.DB.WithContext(ctx).Order("id ASC").Find(&docs).Error; err != nil {
		return summary, err
	}
	return models.SummarizeLedger(docs), nil
}

func ledgerSheets(summary models.LedgerSummary, discrepancies []LedgerDiscrepancy) []reports.Sheet {
	rows := []reports.ExcelExporter{
		reports.Row{"documents", summary.DocumentCount},
		reports.Row{"cancelled", summary.CancelledCount},
		reports.Row{"invoiced", summary.Invoiced.StringFixed(2)},
		reports.Row{"collected", summary.Collected.StringFixed(2)},
		reports.Row{"retained", summary.Retained.StringFixed(2)},
		reports.Row{"pending", summary.Pending.StringFixed(2)},
	}
	states := make([]string, 0, len(summary.ByPaymentState))
	for state := range summary.ByPaymentState {
		states = append(states, string(state))
	}
	sort.Strings(states)
	for _, state := range states {
		rows = append(rows, reports.Row{"payment_state:" + state, summary.ByPaymentState[models.PaymentState(state)]})
	}

	issues := make([]reports.ExcelExporter, 0, len(discrepancies))
	for _, d := range discrepancies {
		issues = append(issues, d)
	}
	return []reports.Sheet{
		{Name: "Summary", Headings: []string{"Metric", "Value"}, Rows: rows},
		{Name: "Discrepancies", Headings: []string{"DocumentId", "Code", "Reason"}, Rows: issues},
	}
}

// ExportLedgerReport writes the ledger totals and every discrepancy VerifyLedger finds as an xlsx workbook.
func (s *DocumentService) ExportLedgerReport(ctx context.Context, w io.Writer) (int, error) {
	summary, err := s.LedgerReport(ctx)
	if err != nil {
		return 0, err
	}
	discrepancies, err := s.VerifyLedger(ctx)
	if err != nil {
		return 0, err
	}
	if err := reports.Write(w, ledgerSheets(summary, discrepancies)...); err != nil {
		return 0, err
	}
	return len(discrepancies), nil
}

func (s *DocumentService) ExportLedgerReportFile(ctx context.Context, path string) (int, error) {
	summary, err := s.LedgerReport(ctx)
	if err != nil {
		return 0, err
	}
	discrepancies, err := s.VerifyLedger(ctx)
	if err != nil {
		return 0, err
	}
	if err := reports.SaveAs(path, ledgerSheets(summary, discrepancies)...); err != nil {
		return 0, err
	}
	return len(discrepancies), nil
}
