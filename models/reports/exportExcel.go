package reports

import (
	"errors"
	"io"

	"github.com/xuri/excelize/v2"
)

// ExcelExporter is one spreadsheet row.
type ExcelExporter interface {
	GetCellValues() []interface{}
}

// Sheet is a named worksheet with a header row followed by one row per exporter.
type Sheet struct {
	Name     string
	Headings []string
	Rows     []ExcelExporter
}

// Row adapts a plain value list to ExcelExporter.
type Row []interface{}

func (r Row) GetCellValues() []interface{} {
	return r
}

func writeSheet(f *excelize.File, sheet Sheet) error {
	for i, h := range sheet.Headings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet.Name, cell, h); err != nil {
			return err
		}
	}

	rowNo := 2
	for _, d := range sheet.Rows {
		for col, value := range d.GetCellValues() {
			cell, err := excelize.CoordinatesToCellName(col+1, rowNo)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet.Name, cell, value); err != nil {
				return err
			}
		}
		rowNo++
	}
	return nil
}

// NewWorkbook builds a workbook holding sheets in order. The caller closes the file.
func NewWorkbook(sheets ...Sheet) (*excelize.File, error) {
	if len(sheets) == 0 {
		return nil, errors.New("workbook needs at least one sheet")
	}
	f := excelize.NewFile()
	for i, sheet := range sheets {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet.Name); err != nil {
				f.Close()
				return nil, err
			}
		} else if _, err := f.NewSheet(sheet.Name); err != nil {
			f.Close()
			return nil, err
		}
		if err := writeSheet(f, sheet); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func Write(w io.Writer, sheets ...Sheet) error {
	f, err := NewWorkbook(sheets...)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

func SaveAs(filename string, sheets ...Sheet) error {
	f, err := NewWorkbook(sheets...)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.SaveAs(filename)
}
