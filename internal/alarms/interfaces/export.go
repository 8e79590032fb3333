package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"fleetwatch/internal/alarms/application"
)

// BuildStatsPDF renders a threshold-tuning stats report as PDF.
func BuildStatsPDF(req application.StatsRequest, result application.StatsResult) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Sensor Statistics Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Window: %s to %s", req.Start.UTC().Format(time.RFC3339), req.End.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Interval: %ds", req.IntervalSeconds))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Targets evaluated: %d", result.TargetsEvaluated))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(50, 6, "Sensor", "1", 0, "C", false, 0, "")
	pdf.CellFormat(18, 6, "Count", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Min", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Max", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Mean", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Median", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Stddev", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "MAD", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Coverage %", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, sensor := range result.Sensors {
		pdf.CellFormat(50, 6, sensor.SensorID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(18, 6, fmt.Sprintf("%d", sensor.Count), "1", 0, "R", false, 0, "")
		pdf.CellFormat(24, 6, fmt.Sprintf("%.3f", sensor.Min), "1", 0, "R", false, 0, "")
		pdf.CellFormat(24, 6, fmt.Sprintf("%.3f", sensor.Max), "1", 0, "R", false, 0, "")
		pdf.CellFormat(24, 6, fmt.Sprintf("%.3f", sensor.Mean), "1", 0, "R", false, 0, "")
		pdf.CellFormat(24, 6, fmt.Sprintf("%.3f", sensor.Median), "1", 0, "R", false, 0, "")
		pdf.CellFormat(24, 6, fmt.Sprintf("%.3f", sensor.Stddev), "1", 0, "R", false, 0, "")
		pdf.CellFormat(24, 6, fmt.Sprintf("%.3f", sensor.MAD), "1", 0, "R", false, 0, "")
		pdf.CellFormat(24, 6, fmt.Sprintf("%.2f", sensor.CoveragePct), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildStatsXLSX renders a threshold-tuning stats report as XLSX with one
// summary sheet and one sheet of suggested bands.
func BuildStatsXLSX(req application.StatsRequest, result application.StatsResult) ([]byte, error) {
	f := excelize.NewFile()
	statsSheet := "stats"
	bandsSheet := "bands"
	f.SetSheetName("Sheet1", statsSheet)
	f.NewSheet(bandsSheet)

	_ = f.SetCellValue(statsSheet, "A1", "Sensor Statistics Report")
	_ = f.SetCellValue(statsSheet, "A2", "Window")
	_ = f.SetCellValue(statsSheet, "B2", req.Start.UTC().Format(time.RFC3339)+" / "+req.End.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(statsSheet, "A3", "Interval (s)")
	_ = f.SetCellValue(statsSheet, "B3", req.IntervalSeconds)
	_ = f.SetCellValue(statsSheet, "A4", "Targets evaluated")
	_ = f.SetCellValue(statsSheet, "B4", result.TargetsEvaluated)

	headers := []string{"Sensor", "Count", "Min", "Max", "Mean", "Median", "Stddev", "MAD", "IQR", "P1", "P5", "P25", "P75", "P95", "P99", "Coverage %"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 6)
		_ = f.SetCellValue(statsSheet, cell, header)
	}
	for i, sensor := range result.Sensors {
		row := i + 7
		values := []any{
			sensor.SensorID, sensor.Count, sensor.Min, sensor.Max, sensor.Mean, sensor.Median,
			sensor.Stddev, sensor.MAD, sensor.IQR,
			sensor.Percentiles["p1"], sensor.Percentiles["p5"], sensor.Percentiles["p25"],
			sensor.Percentiles["p75"], sensor.Percentiles["p95"], sensor.Percentiles["p99"],
			sensor.CoveragePct,
		}
		for j, value := range values {
			cell, _ := excelize.CoordinatesToCellName(j+1, row)
			_ = f.SetCellValue(statsSheet, cell, value)
		}
	}

	bandHeaders := []string{"Sensor", "Set", "Lower 1", "Upper 1", "Lower 2", "Upper 2", "Lower 3", "Upper 3"}
	for i, header := range bandHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(bandsSheet, cell, header)
	}
	row := 2
	for _, sensor := range result.Sensors {
		row = writeBandRow(f, bandsSheet, row, sensor.SensorID, "classic", sensor.Classic)
		row = writeBandRow(f, bandsSheet, row, sensor.SensorID, "robust", sensor.Robust)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBandRow(f *excelize.File, sheet string, row int, sensorID, name string, set *application.BandSet) int {
	if set == nil {
		return row
	}
	values := []any{sensorID, name, set.Lower1, set.Upper1, set.Lower2, set.Upper2, set.Lower3, set.Upper3}
	for i, value := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, value)
	}
	return row + 1
}
