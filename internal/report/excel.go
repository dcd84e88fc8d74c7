// Package report 导出 widget 与告警数据为 Excel 文件。
package report

import (
	"bytes"
	"fmt"
	"time"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/rtu"
	"energy-monitor/internal/widget/gateway"
	"energy-monitor/internal/widget/global"

	"github.com/xuri/excelize/v2"
)

// ContentType xlsx MIME 类型
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// 工作表名称
const (
	SheetTopConsuming  = "Top Consuming Gateways"
	SheetActiveAlerts  = "Active Alerts"
	SheetRecentAlerts  = "Recent Alerts"
	SheetRTUAlerts     = "RTU Alerts"
	timestampLayout    = "2006-01-02 15:04:05"
	defaultColumnWidth = 18
)

var TopConsumingHeader = []string{
	"Rank", "Gateway", "Location", "Current kW", "Average kW", "Peak kW", "Total kWh",
	"Pattern", "Efficiency Score", "Rating", "Devices", "Active Devices", "Cost Estimate", "Performance Score",
}

var GatewayAlertsHeader = []string{
	"ID", "Device", "Parameter", "Value", "Severity", "Message", "Timestamp", "Age",
	"Priority", "Escalation", "Recommended Action", "Resolved",
}

var RTUAlertsHeader = []string{
	"ID", "Type", "Parameter", "Device ID", "Value", "Severity", "Message", "Timestamp", "Resolved",
}

// FileName 导出文件名 {prefix}_{yyyymmdd_hhmmss}.xlsx
func FileName(prefix string, at time.Time) string {
	return fmt.Sprintf("%s_%s.xlsx", prefix, at.Format("20060102_150405"))
}

type workbook struct {
	f           *excelize.File
	headerStyle int
}

func newWorkbook() (*workbook, error) {
	f := excelize.NewFile()
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	return &workbook{f: f, headerStyle: style}, nil
}

// addSheet 写入表头和数据行；第一个工作表替换默认的 Sheet1
func (w *workbook) addSheet(name string, headers []string, rows [][]any) error {
	index, err := w.f.NewSheet(name)
	if err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", name, err)
	}
	if w.f.GetSheetName(0) == "Sheet1" {
		if err := w.f.DeleteSheet("Sheet1"); err != nil {
			return fmt.Errorf("failed to delete default sheet: %w", err)
		}
		index, _ = w.f.GetSheetIndex(name)
		w.f.SetActiveSheet(index)
	}

	for col, h := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := w.f.SetCellValue(name, cell, h); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := w.f.SetCellStyle(name, cell, cell, w.headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
	}
	last, _ := excelize.ColumnNumberToName(len(headers))
	if err := w.f.SetColWidth(name, "A", last, defaultColumnWidth); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}

	for r, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := w.f.SetSheetRow(name, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", r+2, err)
		}
	}
	return nil
}

func (w *workbook) bytes() ([]byte, error) {
	defer w.f.Close()
	var buf bytes.Buffer
	if _, err := w.f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write excel file: %w", err)
	}
	return buf.Bytes(), nil
}

func build(fill func(w *workbook) error) ([]byte, error) {
	w, err := newWorkbook()
	if err != nil {
		return nil, err
	}
	if err := fill(w); err != nil {
		w.f.Close()
		return nil, err
	}
	return w.bytes()
}

// TopConsumingWorkbook top-consuming-gateways 排名表
func TopConsumingWorkbook(data *global.TopConsumingData) ([]byte, error) {
	rows := make([][]any, 0, len(data.TopGateways))
	for i, g := range data.TopGateways {
		rows = append(rows, []any{
			i + 1, g.Name, g.Location,
			g.Consumption.CurrentKW, g.Consumption.AverageKW, g.Consumption.PeakKW, g.Consumption.TotalKWh,
			g.Consumption.Pattern, g.Efficiency.Score, g.Efficiency.Rating,
			g.DeviceCount, g.ActiveDevices, g.CostEstimate, g.PerformanceScore,
		})
	}
	return build(func(w *workbook) error {
		return w.addSheet(SheetTopConsuming, TopConsumingHeader, rows)
	})
}

func alertRows(items []gateway.AlertItem) [][]any {
	rows := make([][]any, 0, len(items))
	for _, a := range items {
		rows = append(rows, []any{
			a.ID, a.DeviceName, a.ParameterName, a.Value, a.Severity, a.Message,
			a.Timestamp.Format(timestampLayout), a.AgeFormatted, a.PriorityScore,
			a.EscalationLevel, a.RecommendedAction, yesNo(a.Resolved),
		})
	}
	return rows
}

// GatewayAlertsWorkbook gateway-alerts 活动告警与最近告警两个工作表
func GatewayAlertsWorkbook(data *gateway.GatewayAlertsData) ([]byte, error) {
	return build(func(w *workbook) error {
		if err := w.addSheet(SheetActiveAlerts, GatewayAlertsHeader, alertRows(data.ActiveAlerts)); err != nil {
			return err
		}
		return w.addSheet(SheetRecentAlerts, GatewayAlertsHeader, alertRows(data.RecentAlerts))
	})
}

// RTUAlertsWorkbook RTU 网关筛选后的告警
func RTUAlertsWorkbook(alerts []domain.Alert) ([]byte, error) {
	rows := make([][]any, 0, len(alerts))
	for _, a := range alerts {
		rows = append(rows, []any{
			a.ID, rtu.NormalizeAlertType(a.ParameterName), a.ParameterName, a.DeviceID, a.Value,
			a.Severity, a.Message, a.Timestamp.Format(timestampLayout), yesNo(a.Resolved),
		})
	}
	return build(func(w *workbook) error {
		return w.addSheet(SheetRTUAlerts, RTUAlertsHeader, rows)
	})
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
