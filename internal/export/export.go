// Package export writes liveness results to spreadsheet files.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/alvmarrod/outbound-weaver/internal/storage"
	"github.com/xuri/excelize/v2"
)

// SheetName is the sheet holding the results
const SheetName = "Results"

// Headers is the header row of the results sheet
var Headers = []string{"domain", "tld", "status", "error_code", "http_status", "expiry_date", "expiry_reason", "found_at"}

// WriteXLSX writes the results of site as an xlsx workbook to w
func WriteXLSX(w io.Writer, site string, results []storage.Result) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}

	header := make([]any, len(Headers))
	for i, h := range Headers {
		header[i] = h
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, r := range results {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			r.Domain,
			r.TLD,
			r.Status,
			r.ErrorCode,
			r.HTTPStatus,
			deref(r.ExpiryDate),
			deref(r.ExpiryReason),
			r.FoundAt.UTC().Format(time.RFC3339),
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("failed to write row for %s: %w", r.Domain, err)
		}
	}

	if err := f.SetDocProps(&excelize.DocProperties{
		Title:   "Outbound domain liveness for " + site,
		Creator: "weaver",
	}); err != nil {
		return fmt.Errorf("failed to set document properties: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
