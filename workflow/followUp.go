package workflow

import (
	"context"
	"io"
	"strings"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models/reports"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/utils"
)

const followUpSheet = "FollowUp"

// FollowUpQueue lists notifications that ran out of attempts and need a person to contact the client.
func (d *NotificationDispatcher) FollowUpQueue(ctx context.Context, limit int) ([]models.NotificationRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	return models.ListFollowUp(ctx, d.DB, limit)
}

type followUpRow models.NotificationRecord

func (r followUpRow) GetCellValues() []interface{} {
	return []interface{}{
		r.ID,
		string(r.EventType),
		string(r.Channel),
		r.Recipient,
		utils.JoinInts(models.NotificationRecord(r).GetDocumentIds()),
		r.Attempts,
		strings.TrimSpace(utils.DereferencePtr(r.LastError)),
		r.UpdatedAt.UTC().Format("2006-01-02 15:04:05"),
	}
}

func followUpSheetOf(records []models.NotificationRecord) reports.Sheet {
	rows := make([]reports.ExcelExporter, 0, len(records))
	for _, r := range records {
		rows = append(rows, followUpRow(r))
	}
	return reports.Sheet{
		Name:     followUpSheet,
		Headings: []string{"RecordId", "EventType", "Channel", "Recipient", "DocumentIds", "Attempts", "LastError", "UpdatedAt"},
		Rows:     rows,
	}
}

// ExportFollowUp writes the follow-up queue as an xlsx workbook to w.
func (d *NotificationDispatcher) ExportFollowUp(ctx context.Context, w io.Writer) (int, error) {
	records, err := d.FollowUpQueue(ctx, 0)
	if err != nil {
		return 0, err
	}
	if err := reports.Write(w, followUpSheetOf(records)); err != nil {
		return 0, err
	}
	return len(records), nil
}

// ExportFollowUpFile saves the follow-up queue to an xlsx file.
func (d *NotificationDispatcher) ExportFollowUpFile(ctx context.Context, path string) (int, error) {
	records, err := d.FollowUpQueue(ctx, 0)
	if err != nil {
		return 0, err
	}
	if err := reports.SaveAs(path, followUpSheetOf(records)); err != nil {
		return 0, err
	}
	return len(records), nil
}
