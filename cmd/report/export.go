package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/lifecycle"
)

const (
	tradesSheet  = "Trades"
	summarySheet = "Summary"
)

var tradeHeaders = []string{
	"Position", "Symbol", "Side", "Strategy", "Entry Time", "Exit Time",
	"Entry Price", "Exit Price", "Quantity", "Leverage", "PnL", "Reason",
}

// exportTrades writes one row per trade plus a summary sheet.
func exportTrades(path string, trades []*domain.Trade, r lifecycle.HistoryReport) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	fx := excelize.NewFile()
	defer fx.Close()

	if err := fx.SetSheetName(fx.GetSheetName(0), tradesSheet); err != nil {
		return err
	}
	if _, err := fx.NewSheet(summarySheet); err != nil {
		return err
	}

	header, err := fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"2F4F4F"}, Pattern: 1},
	})
	if err != nil {
		return err
	}
	loss, err := fx.NewStyle(&excelize.Style{Font: &excelize.Font{Color: "C00000"}})
	if err != nil {
		return err
	}

	for i, h := range tradeHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := fx.SetCellValue(tradesSheet, cell, h); err != nil {
			return err
		}
	}
	if err := fx.SetCellStyle(tradesSheet, "A1", "L1", header); err != nil {
		return err
	}

	for i, t := range trades {
		row := i + 2
		values := []interface{}{
			t.PositionID, t.Symbol, string(t.Side), t.Strategy,
			t.EntryTime.UTC().Format(time.DateTime), t.ExitTime.UTC().Format(time.DateTime),
			t.EntryPrice, t.ExitPrice, t.Quantity, t.Leverage, t.PNL, string(t.CloseReason),
		}
		start, _ := excelize.CoordinatesToCellName(1, row)
		if err := fx.SetSheetRow(tradesSheet, start, &values); err != nil {
			return err
		}
		if t.PNL < 0 {
			cell, _ := excelize.CoordinatesToCellName(11, row)
			if err := fx.SetCellStyle(tradesSheet, cell, cell, loss); err != nil {
				return err
			}
		}
	}
	_ = fx.SetColWidth(tradesSheet, "A", "A", 38)
	_ = fx.SetColWidth(tradesSheet, "E", "F", 20)

	summary := [][]interface{}{
		{"Trades", r.TotalTrades},
		{"Winning trades", r.WinningTrades},
		{"Losing trades", r.LosingTrades},
		{"Win rate", r.WinRate},
		{"Net profit", r.NetProfit},
		{"Profit factor", r.ProfitFactor},
		{"Expectancy", r.Expectancy},
		{"Max drawdown", r.MaxDrawdown},
	}
	for i, kv := range summary {
		start, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := fx.SetSheetRow(summarySheet, start, &kv); err != nil {
			return err
		}
	}
	_ = fx.SetColWidth(summarySheet, "A", "A", 18)

	return fx.SaveAs(path)
}
