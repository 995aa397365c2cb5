package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"optiondesk/internal/flags"
	"optiondesk/internal/storage"

	"github.com/spf13/cobra"
)

var (
	tradesMode  string
	tradesSince time.Duration
)

var tradesCmd = &cobra.Command{
	Use:   "trades",
	Short: "Print recorded trades from the data directory",
	Long: `trades opens the store in DATA_PATH and prints the trade
history of one mode. Stop the server first: the store allows a single
process at a time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadSettings()
		if err != nil {
			return err
		}
		if c.DataPath == "" {
			return fmt.Errorf("DATA_PATH is not set")
		}
		m := flags.Mode(strings.ToUpper(tradesMode))
		if !m.Valid() {
			return fmt.Errorf("unknown mode %q", tradesMode)
		}

		store, err := storage.New(c.DataPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		end := time.Now()
		trades, err := store.GetTrades(m, end.Add(-tradesSince), end)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tINSTRUMENT\tQTY\tPRICE\tPNL\tREASON")
		for _, t := range trades {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				t.Timestamp.Local().Format(time.DateTime), t.Action, t.Instrument,
				t.Quantity, t.Price.StringFixed(2), t.PnL.StringFixed(2), t.Reason)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d %s trades\n", len(trades), m)
		return nil
	},
}

func init() {
	tradesCmd.Flags().StringVar(&tradesMode, "mode", string(flags.ModePaper), "PAPER or LIVE")
	tradesCmd.Flags().DurationVar(&tradesSince, "since", 24*time.Hour, "how far back to look")
}
