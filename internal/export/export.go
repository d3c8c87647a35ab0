package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	session "charge-cloud/internal/session/domain"
)

// Summary aggregates a range of closed sessions for the report header.
type Summary struct {
	VIN        string
	From       time.Time
	To         time.Time
	Sessions   int
	TotalKWh   float64
	TotalPrice float64
	Unpriced   int
}

// Summarize computes report totals over closed sessions.
func Summarize(vin string, from, to time.Time, sessions []session.ChargeSession) Summary {
	sum := Summary{VIN: vin, From: from, To: to, Sessions: len(sessions)}
	for _, s := range sessions {
		if s.Amount != nil {
			sum.TotalKWh += *s.Amount
		}
		if s.Price != nil {
			sum.TotalPrice += *s.Price
		} else {
			sum.Unpriced++
		}
	}
	return sum
}

// BuildSessionsXLSX renders closed sessions as a workbook with a summary and
// a sessions sheet.
func BuildSessionsXLSX(sum Summary, sessions []session.ChargeSession) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	sessionsSheet := "sessions"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(sessionsSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Charge Sessions")
	_ = f.SetCellValue(summarySheet, "A3", "Vehicle")
	_ = f.SetCellValue(summarySheet, "B3", sum.VIN)
	_ = f.SetCellValue(summarySheet, "A4", "From")
	_ = f.SetCellValue(summarySheet, "B4", sum.From.Format("2006-01-02"))
	_ = f.SetCellValue(summarySheet, "A5", "To")
	_ = f.SetCellValue(summarySheet, "B5", sum.To.Format("2006-01-02"))
	_ = f.SetCellValue(summarySheet, "A6", "Sessions")
	_ = f.SetCellValue(summarySheet, "B6", sum.Sessions)
	_ = f.SetCellValue(summarySheet, "A7", "Total Energy (kWh)")
	_ = f.SetCellValue(summarySheet, "B7", sum.TotalKWh)
	_ = f.SetCellValue(summarySheet, "A8", "Total Price (DKK)")
	_ = f.SetCellValue(summarySheet, "B8", sum.TotalPrice)
	_ = f.SetCellValue(summarySheet, "A9", "Unpriced Sessions")
	_ = f.SetCellValue(summarySheet, "B9", sum.Unpriced)

	headers := []string{"Start", "Stop", "Energy (kWh)", "Price (DKK)", "Position", "SoC (%)", "Mileage (km)", "Suspect"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sessionsSheet, cell, h)
	}
	for i, s := range sessions {
		row := i + 2
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("A%d", row), s.StartAt.Format(time.RFC3339))
		if s.StopAt != nil {
			_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("B%d", row), s.StopAt.Format(time.RFC3339))
		}
		if s.Amount != nil {
			_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("C%d", row), *s.Amount)
		}
		if s.Price != nil {
			_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("D%d", row), *s.Price)
		}
		if s.Position != nil {
			_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("E%d", row), *s.Position)
		}
		if s.SoC != nil {
			_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("F%d", row), *s.SoC)
		}
		if s.Mileage != nil {
			_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("G%d", row), *s.Mileage)
		}
		_ = f.SetCellValue(sessionsSheet, fmt.Sprintf("H%d", row), s.Suspect)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildSessionsPDF renders a compact PDF report over closed sessions.
func BuildSessionsPDF(sum Summary, sessions []session.ChargeSession) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Charge Session Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Vehicle: %s", sum.VIN))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Period: %s to %s", sum.From.Format("2006-01-02"), sum.To.Format("2006-01-02")))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Sessions: %d", sum.Sessions))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total Energy (kWh): %.2f", sum.TotalKWh))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total Price (DKK): %.2f", sum.TotalPrice))
	pdf.Ln(5)
	if sum.Unpriced > 0 {
		pdf.Cell(0, 6, fmt.Sprintf("Unpriced Sessions: %d", sum.Unpriced))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(45, 6, "Start", "1", 0, "C", false, 0, "")
	pdf.CellFormat(45, 6, "Stop", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Energy (kWh)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Price (DKK)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Position", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, s := range sessions {
		stop := ""
		if s.StopAt != nil {
			stop = s.StopAt.Format("2006-01-02 15:04")
		}
		amount := ""
		if s.Amount != nil {
			amount = fmt.Sprintf("%.2f", *s.Amount)
		}
		price := ""
		if s.Price != nil {
			price = fmt.Sprintf("%.2f", *s.Price)
		}
		position := ""
		if s.Position != nil {
			position = *s.Position
		}
		pdf.CellFormat(45, 6, s.StartAt.Format("2006-01-02 15:04"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(45, 6, stop, "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, amount, "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, price, "1", 0, "R", false, 0, "")
		pdf.CellFormat(25, 6, position, "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
