// Command signal-report prints outcome statistics and recent signals
// from a TELEGLAS database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"teleglas-pro/internal/database"
)

func main() {
	dbPath := flag.String("db", "data/teleglas.db", "path to the signal database")
	limit := flag.Int("limit", 20, "number of recent signals to list")
	symbol := flag.String("symbol", "", "restrict the listing to one symbol")
	asCSV := flag.Bool("csv", false, "dump signals as CSV instead of a report")
	flag.Parse()

	store, err := database.NewStore(*dbPath, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *asCSV {
		out, err := store.ExportSignalsCSV(ctx, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "export signals: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(out)
		return
	}

	if err := printReport(ctx, store, *symbol, *limit); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func printReport(ctx context.Context, store *database.Store, symbol string, limit int) error {
	stats, err := store.SignalStats(ctx)
	if err != nil {
		return fmt.Errorf("signal stats: %w", err)
	}

	fmt.Println("=== TELEGLAS Signal Report ===")
	fmt.Printf("Total signals: %d  (wins %d / losses %d / neutral %d / pending %d)\n",
		stats.Total, stats.Wins, stats.Losses, stats.Neutral, stats.Pending)

	resolved := stats.Wins + stats.Losses
	if resolved > 0 {
		winRate := float64(stats.Wins) / float64(resolved) * 100
		fmt.Printf("Win rate: %.1f%% over %d resolved\n", winRate, resolved)
	}
	if stats.AvgPnl != nil {
		fmt.Printf("Avg PnL: %+.2f%%", *stats.AvgPnl)
		if stats.AvgWin != nil {
			fmt.Printf("  avg win %+.2f%%", *stats.AvgWin)
		}
		if stats.AvgLoss != nil {
			fmt.Printf("  avg loss %+.2f%%", *stats.AvgLoss)
		}
		fmt.Println()
	}

	byType, err := store.SignalStatsByType(ctx)
	if err != nil {
		return fmt.Errorf("type stats: %w", err)
	}
	if len(byType) > 0 {
		fmt.Println("\n--- By signal type ---")
		fmt.Printf("%-20s %7s %6s %7s %7s %9s\n", "TYPE", "TOTAL", "WINS", "LOSSES", "WIN%", "AVG PNL")
		for _, row := range byType {
			rowResolved := row.Wins + row.Losses
			winPct := "-"
			if rowResolved > 0 {
				winPct = fmt.Sprintf("%.1f", float64(row.Wins)/float64(rowResolved)*100)
			}
			avgPnl := "-"
			if row.AvgPnl != nil {
				avgPnl = fmt.Sprintf("%+.2f%%", *row.AvgPnl)
			}
			fmt.Printf("%-20s %7d %6d %7d %7s %9s\n",
				row.SignalType, row.Total, row.Wins, row.Losses, winPct, avgPnl)
		}
	}

	learned, err := store.LoadConfidenceState(ctx)
	if err != nil {
		return fmt.Errorf("confidence state: %w", err)
	}
	if len(learned) > 0 {
		fmt.Println("\n--- Learned win rates ---")
		for _, st := range learned {
			fmt.Printf("%-20s %5.1f%%  (%d samples)\n",
				st.SignalType, st.WinRate*100, len(st.History))
		}
	}

	var rows []database.SignalRecord
	if symbol != "" {
		rows, err = store.SignalsBySymbol(ctx, symbol, limit)
	} else {
		rows, err = store.RecentSignals(ctx, limit)
	}
	if err != nil {
		return fmt.Errorf("recent signals: %w", err)
	}
	if len(rows) == 0 {
		fmt.Println("\nNo signals recorded.")
		return nil
	}

	fmt.Println("\n--- Recent signals ---")
	fmt.Printf("%-20s %-10s %-20s %-6s %6s %-8s %8s\n",
		"CREATED", "SYMBOL", "TYPE", "DIR", "CONF", "OUTCOME", "PNL")
	for _, row := range rows {
		created := time.Unix(int64(row.CreatedAt), 0).UTC().Format("2006-01-02 15:04:05")
		outcome := "pending"
		if row.Outcome != nil {
			outcome = *row.Outcome
		}
		pnl := "-"
		if row.PnlPct != nil {
			pnl = fmt.Sprintf("%+.2f%%", *row.PnlPct)
		}
		fmt.Printf("%-20s %-10s %-20s %-6s %6.1f %-8s %8s\n",
			created, row.Symbol, row.SignalType, row.Direction, row.Confidence, outcome, pnl)
	}
	return nil
}
