package reports

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestWrite_TwoSheets(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf,
		Sheet{Name: "Summary", Headings: []string{"Metric", "Value"}, Rows: []ExcelExporter{Row{"documents", 3}}},
		Sheet{Name: "Issues", Headings: []string{"DocumentId", "Reason"}},
	)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 2 || sheets[0] != "Summary" || sheets[1] != "Issues" {
		t.Fatalf("unexpected sheets: %v", sheets)
	}
	if v, _ := f.GetCellValue("Summary", "A2"); v != "documents" {
		t.Fatalf("A2 = %q", v)
	}
	if v, _ := f.GetCellValue("Summary", "B2"); v != "3" {
		t.Fatalf("B2 = %q", v)
	}
	if v, _ := f.GetCellValue("Issues", "B1"); v != "Reason" {
		t.Fatalf("Issues B1 = %q", v)
	}
}

func TestNewWorkbook_RequiresSheet(t *testing.T) {
	if _, err := NewWorkbook(); err == nil {
		t.Fatalf("expected error without sheets")
	}
}
