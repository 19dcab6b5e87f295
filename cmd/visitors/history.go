package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/LdDl/mot-visitors/storage"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show visitor and event counters",
	RunE:  runStats,
}

var eventsCmd = &cobra.Command{
	Use:   "events [identity]",
	Short: "List recent events, or every event of a single visitor",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEvents,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().Int("limit", 20, "Number of recent events to show")
}

func openHistory() (*storage.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func runStats(cmd *cobra.Command, args []string) error {
	db, err := openHistory()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("reading statistics: %w", err)
	}
	fmt.Printf("Unique visitors: %d\n", stats.VisitorCount)
	fmt.Printf("Events:          %d\n", stats.EventCount)
	fmt.Printf("  Entries:       %d\n", stats.EntryCount)
	fmt.Printf("  Exits:         %d\n", stats.ExitCount)
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	db, err := openHistory()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	var events []storage.EventRecord
	if len(args) == 1 {
		v, err := db.Visitor(ctx, args[0])
		if err != nil {
			return fmt.Errorf("visitor '%s': %w", args[0], err)
		}
		fmt.Printf("Visitor %s: %d visits, first seen %s, last seen %s\n",
			v.ID, v.VisitCount, v.FirstSeen.Local().Format(time.DateTime), v.LastSeen.Local().Format(time.DateTime))
		events, err = db.VisitorEvents(ctx, args[0])
		if err != nil {
			return fmt.Errorf("reading events: %w", err)
		}
	} else {
		events, err = db.RecentEvents(ctx, mustGetInt(cmd, "limit"))
		if err != nil {
			return fmt.Errorf("reading events: %w", err)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tTYPE\tVISITOR\tCONFIDENCE\tIMAGE")
	for _, e := range events {
		confidence := "-"
		if e.Confidence != nil {
			confidence = fmt.Sprintf("%.2f", *e.Confidence)
		}
		image := e.ImagePath
		if image == "" {
			image = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Timestamp.Local().Format(time.DateTime), e.Type, e.Identity, confidence, image)
	}
	return w.Flush()
}
