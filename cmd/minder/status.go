package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/minder/internal/config"
	"github.com/basket/minder/internal/store"
)

// runStatusCommand prints a unit and run roll-up straight from the
// database, so it works whether or not the daemon is up.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOut := fs.Bool("json", false, "print the summary as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: minder status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	st, err := store.Open(config.DBPath(cfg.HomeDir), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer st.Close()

	sum, err := st.StatusSummary(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}

	if len(sum.Units) == 0 {
		fmt.Println("no units yet")
	}
	for _, u := range sum.Units {
		last := "never ran"
		if u.LastRunAt != nil {
			last = u.LastRunAt.UTC().Format(time.RFC3339)
			if u.LastRunStatus != "" {
				last += " (" + u.LastRunStatus + ")"
			}
		}
		next := "-"
		if u.NextRunAt != nil {
			next = u.NextRunAt.UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-24s %-10s %-16s last %-32s next %s", u.Name, u.Role, u.Status, last, next)
		if u.OpenItems > 0 {
			fmt.Printf("  [%d open]", u.OpenItems)
		}
		fmt.Println()
	}
	fmt.Println("---")
	fmt.Printf("open inbox: %d  unsettled effects: %d  undelivered notifications: %d\n",
		sum.OpenInbox, sum.UnsettledEffects, sum.UndeliveredNotify)
	fmt.Printf("runs: %d  estimated spend: $%.4f\n", sum.TotalRuns, sum.TotalCostUSD)
	return 0
}
