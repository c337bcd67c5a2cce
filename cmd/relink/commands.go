package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/relink/internal/backup"
	"github.com/scrypster/relink/internal/config"
	"github.com/scrypster/relink/internal/engine"
	"github.com/scrypster/relink/internal/journal"
	"github.com/scrypster/relink/internal/notify"
	"github.com/scrypster/relink/internal/scheduler"
)

func newAddCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add N",
		Short: "Discover up to N file attachments and create their item links",
		Long: `Discover up to N linked-file attachments that have no pairing yet, look up
the matching DEVONthink record for each, and create the new item-link
attachment next to the old one. Old attachments are left untouched until
"relink confirm".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("N must be a positive integer, got %q", args[0])
			}
			a, err := openApp(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.DiscoverAndCreate(cmd.Context(), n)
			if report.Created > 0 {
				a.notifyChanged("add")
			}
			if rerr := render(cmd.OutOrStdout(), opts.Output, report, func(w io.Writer) { printReport(w, report) }); rerr != nil {
				return rerr
			}
			return err
		},
	}
}

func newReviewCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "review",
		Short: "List created pairings awaiting confirmation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			pending, err := a.engine.Pending()
			if err != nil {
				return err
			}
			items := reviewItems(a.cfg.Zotero.LibraryType, a.cfg.Zotero.LibraryID, pending)
			return render(cmd.OutOrStdout(), opts.Output, items, func(w io.Writer) { printReview(w, items) })
		},
	}
}

func newConfirmCommand(opts *rootOptions) *cobra.Command {
	var minAge time.Duration
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Verify new item links and delete the old file attachments",
		Long: `Verify every created pairing: the new attachment must exist with the
expected item link and the DEVONthink record must still resolve. Only then
is the old file attachment deleted and the pairing confirmed. Pairings that
fail verification are left as they are and retried next time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("min-age") {
				minAge = a.cfg.Engine.ConfirmMinAge
			}
			report, err := a.engine.ConfirmAll(cmd.Context(), engine.ConfirmOptions{MinAge: minAge})
			if report.Confirmed > 0 || report.Deleted > 0 {
				a.notifyChanged("confirm")
			}
			if rerr := render(cmd.OutOrStdout(), opts.Output, report, func(w io.Writer) { printReport(w, report) }); rerr != nil {
				return rerr
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&minAge, "min-age", 0, "skip pairings created less than this long ago (default from config)")
	return cmd
}

func newRollbackCommand(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Delete all unconfirmed item links",
		Long: `Delete the new item-link attachment of every unconfirmed pairing and mark
the pairing rolled back. Old file attachments are never touched, and become
eligible for "relink add" again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			pending, err := a.engine.Pending()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No unconfirmed pairings")
				return nil
			}
			if !yes {
				ok, err := confirmPrompt(cmd.InOrStdin(), cmd.ErrOrStderr(),
					fmt.Sprintf("Roll back %d unconfirmed pairing(s)?", len(pending)))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
					return nil
				}
			}

			report, err := a.engine.RollbackAll(cmd.Context())
			if report.RolledBack > 0 {
				a.notifyChanged("rollback")
			}
			if rerr := render(cmd.OutOrStdout(), opts.Output, report, func(w io.Writer) { printReport(w, report) }); rerr != nil {
				return rerr
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func confirmPrompt(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

type statusView struct {
	Ledger      string              `json:"ledger" yaml:"ledger"`
	Pairings    engine.Stats        `json:"pairings" yaml:"pairings"`
	BackupDir   string              `json:"backup_dir" yaml:"backup_dir"`
	Backups     []backup.BackupInfo `json:"backups" yaml:"backups"`
	BackupBytes int64               `json:"backup_bytes" yaml:"backup_bytes"`
	Journal     string              `json:"journal,omitempty" yaml:"journal,omitempty"`
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pairing counts and ledger backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.engine.Stats()
			if err != nil {
				return err
			}
			rot := a.ledger.Backups()
			backups, err := rot.List()
			if err != nil {
				return err
			}
			usage, err := rot.DiskUsage()
			if err != nil {
				return err
			}
			view := statusView{
				Ledger:      a.ledger.Path(),
				Pairings:    stats,
				BackupDir:   rot.Dir(),
				Backups:     backups,
				BackupBytes: usage,
			}
			if a.journal != nil {
				view.Journal = a.cfg.Journal.Path
			}
			return render(cmd.OutOrStdout(), opts.Output, view, func(w io.Writer) { printStatus(w, view) })
		},
	}
}

func printStatus(w io.Writer, v statusView) {
	s := v.Pairings
	fmt.Fprintf(w, "Ledger: %s\n", v.Ledger)
	fmt.Fprintf(w, "  Total:       %d\n", s.Total)
	fmt.Fprintf(w, "  Created:     %d (awaiting confirmation)\n", s.Created)
	fmt.Fprintf(w, "  Confirmed:   %d\n", s.Confirmed)
	fmt.Fprintf(w, "  Rolled back: %d\n", s.RolledBack)
	if s.WithErrors > 0 {
		fmt.Fprintf(w, "  With errors: %d\n", s.WithErrors)
	}
	fmt.Fprintf(w, "Backups: %d in %s (%s)\n", len(v.Backups), v.BackupDir, formatBytes(v.BackupBytes))
	for _, b := range v.Backups {
		fmt.Fprintf(w, "  %s  %s\n", b.Timestamp.Local().Format(time.RFC3339), formatBytes(b.Size))
	}
	if v.Journal != "" {
		fmt.Fprintf(w, "Journal: %s\n", v.Journal)
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run add and confirm cycles until interrupted",
		Long: `Repeat reconciliation cycles: discover a batch, create pairings, and
confirm eligible ones. The wait between cycles shrinks after a busy cycle
and grows after an idle one. Stops on Ctrl+C or after too many consecutive
failed cycles.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("batch") {
				batch = a.cfg.Engine.BatchSize
			}
			sc := a.cfg.Scheduler
			s, err := scheduler.New(scheduler.Config{
				Runner: a.engine,
				Cycle: engine.CycleOptions{
					BatchSize:   batch,
					SkipConfirm: sc.SkipConfirm,
					Confirm:     engine.ConfirmOptions{MinAge: a.cfg.Engine.ConfirmMinAge},
				},
				InitialDelay:           sc.InitialDelay,
				MinDelay:               sc.MinDelay,
				MaxDelay:               sc.MaxDelay,
				MaxConsecutiveFailures: sc.MaxConsecutiveFailures,
				Logger:                 a.logger.WithPrefix("scheduler"),
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			watcher := notify.NewWatcher(sc.RequestDir, func(req notify.Request) {
				switch req.Type {
				case notify.TypeReload:
					// Every cycle re-reads the ledger; Open also clears a halt.
					if err := a.engine.Open(ctx); err != nil {
						a.logger.Error("failed to reload ledger", "source", req.Source, "error", err)
						return
					}
					s.Wake()
				case notify.TypeCycle:
					s.Wake()
				default:
					a.logger.Warn("unknown request", "type", req.Type, "source", req.Source)
				}
			}, a.logger)
			if err := watcher.Start(); err != nil {
				a.logger.Warn("requests disabled", "dir", sc.RequestDir, "error", err)
			} else {
				defer watcher.Stop()
			}

			err = s.Start(ctx)
			if errors.Is(err, context.Canceled) {
				a.logger.Info("stopped", "cycles", s.Cycles())
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "candidates per cycle (default from config)")
	return cmd
}

func newWakeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Ask a running \"relink run\" to start its next cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			w := notify.NewWriter(cfg.Scheduler.RequestDir)
			if err := w.Send(notify.TypeCycle, "wake"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wake request queued in %s\n", w.Dir())
			return nil
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		cycles bool
		oldID  string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled events or cycle reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.journal == nil {
				return fmt.Errorf("journal is disabled or unavailable (%s)", a.cfg.Journal.Path)
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if cycles {
				list, err := a.journal.Cycles(ctx, limit)
				if err != nil {
					return err
				}
				return render(out, opts.Output, list, func(w io.Writer) { printCycles(w, list) })
			}

			var events []journal.Event
			if oldID != "" {
				events, err = a.journal.EventsFor(ctx, oldID)
			} else {
				events, err = a.journal.Events(ctx, limit)
			}
			if err != nil {
				return err
			}
			return render(out, opts.Output, events, func(w io.Writer) { printEvents(w, events) })
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows")
	cmd.Flags().BoolVar(&cycles, "cycles", false, "show cycle reports instead of events")
	cmd.Flags().StringVar(&oldID, "item", "", "show every event for one old attachment key")
	return cmd
}

func printEvents(w io.Writer, events []journal.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events")
		return
	}
	for _, e := range events {
		fmt.Fprintf(w, "%s  %-13s %-8s %-8s %s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Kind, e.OldID, e.NewID, e.Detail)
	}
}

func printCycles(w io.Writer, list []journal.Cycle) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No cycles")
		return
	}
	for _, c := range list {
		fmt.Fprintf(w, "%s  %-8s created=%d skipped=%d confirmed=%d deleted=%d rolled_back=%d errors=%d (%s)\n",
			c.StartedAt.Local().Format("2006-01-02 15:04:05"), c.Operation,
			c.Created, c.Skipped, c.Confirmed, c.Deleted, c.RolledBack, c.Errored,
			c.Duration.Round(time.Millisecond))
	}
}

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relink version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := map[string]string{"version": Version}
			return render(cmd.OutOrStdout(), opts.Output, v, func(w io.Writer) {
				fmt.Fprintf(w, "relink %s\n", Version)
			})
		},
	}
}
