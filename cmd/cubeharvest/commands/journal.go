package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cubeharvest/cubeharvest/pkg/stores"
)

func newJournalCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the session journal",
		Long: `Inspect the SQLite journal written by the game server.

The journal records every ledger entry, unit transition and game event of
each server run. It is an audit trail; the server never restores from it.`,
	}

	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "journal database (default store.path from config)")

	open := func(cmd *cobra.Command) (*stores.SQLiteStore, error) {
		path := dbPath
		if path == "" {
			cfg, err := loadConfig()
			if err != nil {
				return nil, err
			}
			path = cfg.Store.Path
		}
		if path == "" {
			return nil, fmt.Errorf("no journal configured: set store.path or pass --db")
		}
		return openJournal(cmd.Context(), path)
	}

	cmd.AddCommand(newJournalSessionsCommand(open))
	cmd.AddCommand(newJournalLedgerCommand(open))
	cmd.AddCommand(newJournalTransitionsCommand(open))
	cmd.AddCommand(newJournalEventsCommand(open))

	return cmd
}

type journalOpener func(cmd *cobra.Command) (*stores.SQLiteStore, error)

func newJournalSessionsCommand(open journalOpener) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List server runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, sessions)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tSTARTED\tENDED\tCREDITS\tNAMESPACE")
			for _, s := range sessions {
				ended := "-"
				if s.EndedAt != nil {
					ended = s.EndedAt.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.StartedAt.Local().Format("2006-01-02 15:04:05"), ended, s.StartingCredits, s.Namespace)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to show")

	return cmd
}

func newJournalLedgerCommand(open journalOpener) *cobra.Command {
	var f stores.Filter

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List credits ledger entries, newest first",
		Example: `  # Last 50 entries of one session
  cubeharvest journal ledger --session 5f0c... -n 50

  # Everything charged to one unit
  cubeharvest journal ledger --unit miner-1a2b3c4d`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.ListLedgerEntries(cmd.Context(), f)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, entries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tAT\tKIND\tAMOUNT\tBALANCE\tUNIT\tNOTE")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%+d\t%d\t%s\t%s\n",
					e.Seq, e.At.Local().Format("15:04:05"), e.Kind, e.Amount, e.Balance, dash(e.UnitID), e.Note)
			}
			return w.Flush()
		},
	}

	addFilterFlags(cmd, &f)

	return cmd
}

func newJournalTransitionsCommand(open journalOpener) *cobra.Command {
	var f stores.Filter

	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "List unit lifecycle transitions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			transitions, err := store.ListTransitions(cmd.Context(), f)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, transitions)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tUNIT\tKIND\tFROM\tTO\tREASON")
			for _, t := range transitions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.At.Local().Format("15:04:05"), t.UnitID, t.Kind, dash(t.From), t.To, t.Reason)
			}
			return w.Flush()
		},
	}

	addFilterFlags(cmd, &f)

	return cmd
}

func newJournalEventsCommand(open journalOpener) *cobra.Command {
	var f stores.Filter

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List chaos, availability, policy and reload events, newest first",
		Example: `  # Chaos firings only
  cubeharvest journal events --type chaos.fired`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.ListEvents(cmd.Context(), f)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, events)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tTYPE\tLEVEL\tUNIT\tMESSAGE")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.At.Local().Format("15:04:05"), e.Type, e.Level, dash(e.UnitID), e.Message)
			}
			return w.Flush()
		},
	}

	addFilterFlags(cmd, &f)
	cmd.Flags().StringVar(&f.Type, "type", "", "filter by event type")

	return cmd
}

func addFilterFlags(cmd *cobra.Command, f *stores.Filter) {
	cmd.Flags().StringVar(&f.SessionID, "session", "", "filter by session")
	cmd.Flags().StringVarP(&f.UnitID, "unit", "u", "", "filter by unit")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "maximum rows to show")
}
