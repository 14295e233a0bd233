// Command report prints open positions and trade statistics from the engine
// database and can export the trade history to an xlsx workbook.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"futuresRiskBot/internal/adapters/logger"
	"futuresRiskBot/internal/adapters/sqlite"
	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/lifecycle"
)

var (
	dbPath = flag.String("db", "./data/futures_risk.db", "path to the engine database")
	limit  = flag.Int("limit", 0, "number of most recent trades to analyse (0 = all)")
	xlsx   = flag.String("xlsx", "", "write the trade history to this xlsx file")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: *dbPath,
		Logger: logger.NewStdLogger(logger.LevelWarn),
	})
	if err != nil {
		log.Fatalf("Error opening database: %v", err)
	}
	defer repo.Close()

	open, err := repo.FindOpen(ctx)
	if err != nil {
		log.Fatalf("Error loading open positions: %v", err)
	}
	trades, err := repo.FindRecent(ctx, *limit)
	if err != nil {
		log.Fatalf("Error loading trades: %v", err)
	}

	report := lifecycle.AnalyzeHistory(trades)
	renderPositions(os.Stdout, open)
	fmt.Println()
	renderSummary(os.Stdout, report)
	if len(report.MonthlyReturns) > 0 {
		fmt.Println()
		renderMonthly(os.Stdout, report.MonthlyReturns)
	}

	if *xlsx != "" {
		if err := exportTrades(*xlsx, trades, report); err != nil {
			log.Fatalf("Error exporting trades: %v", err)
		}
		fmt.Printf("\nTrade history written to %s\n", *xlsx)
	}
}

func renderPositions(w io.Writer, positions []*domain.Position) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("OPEN POSITIONS")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Symbol", "Side", "Size", "Entry", "Leverage", "Stop", "Target", "Strategy", "Opened"})
	for _, p := range positions {
		t.AppendRow(table.Row{
			shortID(p.ID), p.Symbol, p.Side, p.Size, p.EntryPrice, p.Leverage,
			p.StopLoss, p.TakeProfit, p.Strategy, p.EntryTime.Format(time.DateTime),
		})
	}
	if len(positions) == 0 {
		t.AppendRow(table.Row{"-", "none"})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	t.Render()
}

func renderSummary(w io.Writer, r lifecycle.HistoryReport) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("PERFORMANCE")
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Trades", r.TotalTrades},
		{"Wins / Losses", fmt.Sprintf("%d / %d", r.WinningTrades, r.LosingTrades)},
		{"Win rate", fmt.Sprintf("%.2f%%", r.WinRate*100)},
		{"Net profit", fmt.Sprintf("%.4f", r.NetProfit)},
		{"Profit factor", fmt.Sprintf("%.2f", r.ProfitFactor)},
		{"Average win", fmt.Sprintf("%.4f", r.AverageWin)},
		{"Average loss", fmt.Sprintf("%.4f", r.AverageLoss)},
		{"Expectancy", fmt.Sprintf("%.4f", r.Expectancy)},
		{"Max drawdown", fmt.Sprintf("%.4f", r.MaxDrawdown)},
		{"Longest win / loss streak", fmt.Sprintf("%d / %d", r.MaxConsecutiveWins, r.MaxConsecutiveLosses)},
		{"Average holding time", r.AverageTradeDuration.Round(time.Second).String()},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 26, Align: text.AlignLeft},
		{Number: 2, WidthMin: 16, Align: text.AlignRight},
	})
	t.Render()
}

func renderMonthly(w io.Writer, months []lifecycle.MonthlyReturn) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("MONTHLY PNL")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Month", "PnL"})
	for _, m := range months {
		t.AppendRow(table.Row{m.Month.Format("2006-01"), fmt.Sprintf("%.4f", m.Return)})
	}
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
