package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xtxerr/peebot/internal/constants"
	"github.com/xtxerr/peebot/internal/dispatcher"
	"github.com/xtxerr/peebot/internal/engine"
	"github.com/xtxerr/peebot/internal/loader"
	"github.com/xtxerr/peebot/internal/state"
	"github.com/xtxerr/peebot/internal/storage"
	"github.com/xtxerr/peebot/internal/storage/retention"
)

const timeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

// =============================================================================
// checkpoints
// =============================================================================

func checkpointsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "Show detector checkpoints and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			st, err := state.Open(loader.ToStateConfig(cfg))
			if err != nil {
				return err
			}
			defer st.Close()

			detectors, err := buildDetectors(cfg)
			if err != nil {
				return err
			}

			// Not started: only used for its status view.
			eng := engine.New(loader.ToEngineConfig(cfg), nil, st, detectors, nil)
			statuses, err := eng.Status(cmd.Context())
			if err != nil {
				return err
			}

			printStatuses(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
}

func printStatuses(w io.Writer, statuses []engine.DetectorStatus) {
	if len(statuses) == 0 {
		fmt.Fprintln(w, "no detectors configured")
		return
	}

	fmt.Fprintf(w, "%-20s %-16s %-8s %-19s  %-19s  %-19s  %s\n",
		"DETECTOR", "CHANNEL", "CADENCE", "PROCESSED UP TO", "LAST RUN", "LAST SUCCESS", "HEALTH")
	for _, s := range statuses {
		health := color.New(color.FgGreen).Sprint("ok")
		switch {
		case s.Stale:
			health = color.New(color.FgRed).Sprint("stale")
		case s.ConsecutiveFailures > 0:
			health = color.New(color.FgYellow).Sprintf("%d failures", s.ConsecutiveFailures)
		}

		fmt.Fprintf(w, "%-20s %-16s %-8s %-19s  %-19s  %-19s  %s\n",
			s.Name, s.Channel, s.Cadence,
			formatTime(s.LastProcessedAt), formatTime(s.LastRunAt), formatTime(s.LastSuccessAt),
			health)
		if s.LastError != "" {
			fmt.Fprintf(w, "    last error: %s\n", s.LastError)
		}
	}
}

// =============================================================================
// events
// =============================================================================

func eventsCmd(cfgPath *string) *cobra.Command {
	var filter state.EventFilter

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List detected events and their action outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			st, err := state.Open(loader.ToStateConfig(cfg))
			if err != nil {
				return err
			}
			defer st.Close()

			events, err := st.ListEvents(cmd.Context(), filter)
			if err != nil {
				return err
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&filter.Status, "status", "", "action status: pending, posted, failed, suppressed")
	f.StringVar(&filter.Channel, "channel", "", "channel identity")
	f.StringVar(&filter.Type, "type", "", "event type")
	f.IntVar(&filter.Limit, "limit", 50, "maximum number of events")

	cmd.AddCommand(retryCmd(cfgPath))
	return cmd
}

func retryCmd(cfgPath *string) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Dispatch un-actioned events now",
		Long: `Dispatch un-actioned events now instead of waiting for the sweep. With --id
a single event is dispatched; otherwise every pending event older than the
dispatcher cooldown and below the attempt cap.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			st, err := state.Open(loader.ToStateConfig(cfg))
			if err != nil {
				return err
			}
			defer st.Close()

			client, closeClient, err := actionClient(cfg)
			if err != nil {
				return err
			}
			defer closeClient()

			disp, err := dispatcher.New(loader.ToDispatcherConfig(cfg), st, client)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if id != "" {
				o := disp.Dispatch(cmd.Context(), id)
				fmt.Fprintf(out, "%s %s attempts=%d", statusColor(o.Status), o.EventID, o.Attempts)
				if o.ActionID != "" {
					fmt.Fprintf(out, " action=%s", o.ActionID)
				}
				if o.Err != nil {
					fmt.Fprintf(out, " (%v)", o.Err)
				}
				fmt.Fprintln(out)
				return o.Err
			}

			n, err := disp.RetryPending(cmd.Context())
			if err != nil {
				return err
			}
			ds := disp.Stats()
			fmt.Fprintf(out, "%d events dispatched: %d posted, %d failed, %d suppressed\n",
				n, ds.Posted, ds.Failed, ds.Suppressed)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "event id")
	return cmd
}

func statusColor(status string) string {
	switch status {
	case constants.ActionPosted:
		return color.New(color.FgGreen).Sprintf("%-10s", status)
	case constants.ActionPending:
		return color.New(color.FgYellow).Sprintf("%-10s", status)
	case constants.ActionSuppressed:
		return color.New(color.FgCyan).Sprintf("%-10s", status)
	default:
		return color.New(color.FgRed).Sprintf("%-10s", status)
	}
}

func printEvents(w io.Writer, events []*state.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no events")
		return
	}

	fmt.Fprintf(w, "%-36s %-12s %-16s %-19s  %-5s %-10s %s\n",
		"ID", "TYPE", "CHANNEL", "DETECTED", "CONF", "STATUS", "ACTION")
	for _, ev := range events {
		act := "-"
		switch {
		case ev.ActionID != "":
			act = ev.ActionID
		case ev.LastActionError != "":
			act = fmt.Sprintf("%d attempts: %s", ev.ActionAttempts, ev.LastActionError)
		}
		fmt.Fprintf(w, "%-36s %-12s %-16s %-19s  %.2f  %s %s\n",
			ev.ID, ev.Type, ev.Channel, formatTime(ev.DetectedAt), ev.Confidence,
			statusColor(ev.ActionStatus), act)
	}
}

// =============================================================================
// retention
// =============================================================================

func retentionCmd(cfgPath *string) *cobra.Command {
	var (
		dryRun   bool
		estimate float64
	)

	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Compress and drop expired chunks of the reading store",
		Long: `Apply the retention policy once: move hot chunks older than compress_after
into Parquet files and delete chunks older than drop_after.

The readings database is opened exclusively; stop the daemon first.
With --estimate only a disk sizing estimate for that many readings per
second is printed and the database is not opened.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if estimate > 0 {
				req := loader.ToStorageConfig(cfg).CalculateRequirements(estimate)
				fmt.Fprintln(cmd.OutOrStdout(), req.FormatRequirements())
				return nil
			}

			svc, err := storage.New(loader.ToStorageConfig(cfg))
			if err != nil {
				return err
			}
			defer svc.Stop()

			var (
				comp  retention.CompactionResult
				clean retention.CleanupResult
			)
			if dryRun {
				comp, clean = svc.DryRunRetention(cmd.Context())
			} else {
				comp, clean = svc.RunRetention(cmd.Context())
			}

			out := cmd.OutOrStdout()
			verb := "compressed"
			if dryRun {
				verb = "would compress"
				for _, c := range comp.Pending {
					fmt.Fprintf(out, "  pending chunk %s\n", formatTime(c.Start))
				}
			}
			fmt.Fprintf(out, "%s %d chunks (%d rows, %d bytes) older than %s\n",
				verb, comp.Chunks, comp.Rows, comp.Bytes, formatTime(comp.Cutoff))
			fmt.Fprintf(out, "dropped %d files and %d hot rows older than %s, freed %d bytes, %d orphans\n",
				clean.FilesDeleted, clean.HotRowsDropped, formatTime(clean.Cutoff), clean.BytesFreed, clean.OrphansRemoved)
			fmt.Fprintln(out, svc.FormatDiskUsage())

			for _, e := range append(comp.Errors, clean.Errors...) {
				fmt.Fprintln(out, color.New(color.FgRed).Sprint("error: ")+e.Error())
			}
			if n := len(comp.Errors) + len(clean.Errors); n > 0 {
				return fmt.Errorf("retention finished with %d errors", n)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without changing anything")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "print a disk estimate for this many readings per second")
	return cmd
}

// =============================================================================
// summary
// =============================================================================

func summaryCmd(cfgPath *string) *cobra.Command {
	var (
		channel string
		since   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize one channel over a trailing window",
		Long: `Print count, min, max, average and percentiles of one channel's readings.

The readings database is opened exclusively; stop the daemon first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if channel == "" {
				return fmt.Errorf("--channel is required")
			}
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			svc, err := storage.New(loader.ToStorageConfig(cfg))
			if err != nil {
				return err
			}
			defer svc.Stop()

			to := time.Now()
			s, err := svc.Summary(cmd.Context(), channel, to.Add(-since), to)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s .. %s\n", s.Channel, formatTime(s.From), formatTime(s.To))
			if s.Count == 0 {
				fmt.Fprintln(out, "no readings")
				return nil
			}
			fmt.Fprintf(out, "count %d  min %g  max %g  avg %.3f\n", s.Count, s.Min, s.Max, s.Avg())
			fmt.Fprintf(out, "p50 %.3f  p90 %.3f  p99 %.3f\n", s.P50, s.P90, s.P99)
			return nil
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "", "channel identity")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "window length")
	return cmd
}
