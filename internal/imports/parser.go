// Package imports turns bank statement files into canonical billing import
// rows. Parsing is strict at this boundary: rows that do not conform are
// quarantined with a reason instead of leaking loose shapes downstream.
package imports

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/arbor-portal/arbor-portal/internal/billing"
)

// RowError pairs a quarantined source line with the reason.
type RowError struct {
	Line   int
	Reason string
}

// ParseResult is the outcome of parsing one statement file.
type ParseResult struct {
	Rows   []billing.ImportRow
	Errors []RowError
}

// column indices resolved from the header row.
type columns struct {
	date, amount, plot, payer, phone, comment, externalID int
}

// headerAliases maps normalised header names to fields. Bank exports vary;
// the first alias found wins per field.
var headerAliases = map[string]string{
	"date":           "date",
	"paid_at":        "date",
	"amount":         "amount",
	"sum":            "amount",
	"plot":           "plot",
	"plot_number":    "plot",
	"payer":          "payer",
	"payer_name":     "payer",
	"name":           "payer",
	"phone":          "phone",
	"comment":        "comment",
	"purpose":        "comment",
	"external_id":    "external_id",
	"transaction_id": "external_id",
	"txn_id":         "external_id",
}

func resolveColumns(header []string) (columns, error) {
	cols := columns{date: -1, amount: -1, plot: -1, payer: -1, phone: -1, comment: -1, externalID: -1}
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(name, " ", "_")))
		switch headerAliases[key] {
		case "date":
			if cols.date < 0 {
				cols.date = i
			}
		case "amount":
			if cols.amount < 0 {
				cols.amount = i
			}
		case "plot":
			if cols.plot < 0 {
				cols.plot = i
			}
		case "payer":
			if cols.payer < 0 {
				cols.payer = i
			}
		case "phone":
			if cols.phone < 0 {
				cols.phone = i
			}
		case "comment":
			if cols.comment < 0 {
				cols.comment = i
			}
		case "external_id":
			if cols.externalID < 0 {
				cols.externalID = i
			}
		}
	}
	if cols.date < 0 || cols.amount < 0 {
		return columns{}, fmt.Errorf("imports: header must contain date and amount columns")
	}
	return cols, nil
}

var dateLayouts = []string{"2006-01-02", "02.01.2006", "02/01/2006"}

func parseRecordDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", raw)
}

func parseRecord(cols columns, record []string) (billing.ImportRow, error) {
	cell := func(idx int) string {
		if idx < 0 || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}
	date, err := parseRecordDate(cell(cols.date))
	if err != nil {
		return billing.ImportRow{}, err
	}
	amountRaw := strings.ReplaceAll(cell(cols.amount), ",", ".")
	amountRaw = strings.ReplaceAll(amountRaw, " ", "")
	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return billing.ImportRow{}, fmt.Errorf("unrecognised amount %q", cell(cols.amount))
	}
	if !amount.IsPositive() {
		return billing.ImportRow{}, fmt.Errorf("non-positive amount %s", amount)
	}
	return billing.ImportRow{
		Date:       date,
		Amount:     amount,
		PlotRef:    cell(cols.plot),
		PayerName:  cell(cols.payer),
		Phone:      cell(cols.phone),
		Comment:    cell(cols.comment),
		ExternalID: cell(cols.externalID),
	}, nil
}

// ParseCSV reads a delimited statement export. The first record is the
// header.
func ParseCSV(r io.Reader) (ParseResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return ParseResult{}, fmt.Errorf("imports: read header: %w", err)
	}
	cols, err := resolveColumns(header)
	if err != nil {
		return ParseResult{}, err
	}

	var result ParseResult
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Errors = append(result.Errors, RowError{Line: line, Reason: err.Error()})
			continue
		}
		row, err := parseRecord(cols, record)
		if err != nil {
			result.Errors = append(result.Errors, RowError{Line: line, Reason: err.Error()})
			continue
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

// ParseXLSX reads the first sheet of a spreadsheet statement export.
func ParseXLSX(r io.Reader) (ParseResult, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return ParseResult{}, fmt.Errorf("imports: open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return ParseResult{}, fmt.Errorf("imports: workbook has no sheets")
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return ParseResult{}, fmt.Errorf("imports: read sheet: %w", err)
	}
	if len(records) == 0 {
		return ParseResult{}, fmt.Errorf("imports: empty sheet")
	}
	cols, err := resolveColumns(records[0])
	if err != nil {
		return ParseResult{}, err
	}

	var result ParseResult
	for i, record := range records[1:] {
		line := i + 2
		if len(record) == 0 {
			continue
		}
		row, err := parseRecord(cols, record)
		if err != nil {
			result.Errors = append(result.Errors, RowError{Line: line, Reason: err.Error()})
			continue
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

// ParseStatement picks a parser from the uploaded file's extension and
// adapts the outcome to the billing import shape. Quarantined lines keep
// their source file line numbers.
func ParseStatement(filename string, r io.Reader) ([]billing.ImportRow, []billing.RowError, error) {
	var (
		result ParseResult
		err    error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		result, err = ParseXLSX(r)
	default:
		result, err = ParseCSV(r)
	}
	if err != nil {
		return nil, nil, err
	}
	rowErrs := make([]billing.RowError, 0, len(result.Errors))
	for _, e := range result.Errors {
		rowErrs = append(rowErrs, billing.RowError{Row: e.Line, Reason: e.Reason})
	}
	return result.Rows, rowErrs, nil
}
