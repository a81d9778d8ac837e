package reports

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/nimavakil1/recon_backend/models"
	"github.com/nimavakil1/recon_backend/recon"
)

// ExportRunReportExcel writes one pass's audit report as an XLSX workbook:
// a summary sheet with per-category/per-outcome counts and a records sheet
// with one row per processed order record.
func ExportRunReportExcel(report *recon.RunReport, filename string) error {
	f := excelize.NewFile()
	defer f.Close()

	const summarySheet = "Summary"
	const recordsSheet = "Records"

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(recordsSheet); err != nil {
		return err
	}

	f.SetCellValue(summarySheet, "A1", "Run")
	f.SetCellValue(summarySheet, "B1", report.RunUuid)
	f.SetCellValue(summarySheet, "A2", "DryRun")
	f.SetCellValue(summarySheet, "B2", report.DryRun)
	f.SetCellValue(summarySheet, "A3", "TimedOut")
	f.SetCellValue(summarySheet, "B3", report.TimedOut)
	f.SetCellValue(summarySheet, "A4", "Started")
	f.SetCellValue(summarySheet, "B4", report.StartedAt.Format("2006-01-02 15:04:05"))
	f.SetCellValue(summarySheet, "A5", "Finished")
	f.SetCellValue(summarySheet, "B5", report.FinishedAt.Format("2006-01-02 15:04:05"))

	row := 7
	f.SetCellValue(summarySheet, "A"+fmt.Sprint(row), "Category")
	f.SetCellValue(summarySheet, "B"+fmt.Sprint(row), "Count")
	categoryCounts := report.CategoryCounts()
	for _, c := range models.AllCategories {
		row++
		f.SetCellValue(summarySheet, "A"+fmt.Sprint(row), string(c))
		f.SetCellValue(summarySheet, "B"+fmt.Sprint(row), categoryCounts[c])
	}

	row += 2
	f.SetCellValue(summarySheet, "A"+fmt.Sprint(row), "Outcome")
	f.SetCellValue(summarySheet, "B"+fmt.Sprint(row), "Count")
	outcomeCounts := report.OutcomeCounts()
	for _, o := range models.AllOutcomes {
		row++
		f.SetCellValue(summarySheet, "A"+fmt.Sprint(row), string(o))
		f.SetCellValue(summarySheet, "B"+fmt.Sprint(row), outcomeCounts[o])
	}

	headers := []string{"SourceId", "Category", "Action", "Outcome", "RecordTotal", "LedgerNet", "Diff", "MatchedInvoice", "IdempotencyKey", "Reason"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(recordsSheet, cell, h)
	}

	for i, result := range report.Results() {
		rowNo := i + 2
		actionType := ""
		idemKey := ""
		if result.Action != nil {
			actionType = string(result.Action.Type)
			idemKey = result.Action.IdempotencyKey
		}
		matched := ""
		if result.Matched != nil {
			matched = fmt.Sprint(*result.Matched)
		}
		values := []interface{}{
			result.SourceId,
			string(result.Category),
			actionType,
			string(result.Outcome),
			result.RecordTotal,
			result.Net,
			result.Diff,
			matched,
			idemKey,
			result.Reason,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, rowNo)
			f.SetCellValue(recordsSheet, cell, v)
		}
	}

	return f.SaveAs(filename)
}
