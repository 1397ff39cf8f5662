package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xtxerr/peebot/internal/client"
	"github.com/xtxerr/peebot/internal/constants"
	"github.com/xtxerr/peebot/internal/feed"
	"github.com/xtxerr/peebot/internal/ingestion"
)

func injectCmd() *cobra.Command {
	cfg := client.DefaultConfig()
	var (
		channel   string
		value     float64
		timestamp string
		key       string
		metadata  []string
		file      string
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Inject readings through the admin endpoint",
		Long: `Inject readings synchronously through the admin endpoint, for backfill
and testing. Either a single reading is given by flags, or --file names a
file of JSON lines in the feed format ("-" reads stdin).

The token may also be given in PEEBOT_ADMIN_TOKEN.

Examples:
  peebotd inject --channel NODE3000004 --value 12.5
  peebotd inject --file backfill.jsonl --batch 500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Token == "" {
				cfg.Token = os.Getenv("PEEBOT_ADMIN_TOKEN")
			}

			var msgs []ingestion.Message
			switch {
			case file != "":
				var err error
				if msgs, err = readMessages(cmd.InOrStdin(), file); err != nil {
					return err
				}
			case channel != "" && cmd.Flags().Changed("value"):
				if timestamp == "" {
					timestamp = time.Now().UTC().Format(time.RFC3339Nano)
				}
				md, err := parseMetadata(metadata)
				if err != nil {
					return err
				}
				msgs = []ingestion.Message{{
					Channel:        channel,
					Timestamp:      timestamp,
					Value:          value,
					Metadata:       md,
					IdempotencyKey: key,
				}}
			default:
				return fmt.Errorf("either --file or --channel and --value are required")
			}
			if len(msgs) == 0 {
				return nil
			}

			c, err := client.Dial(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			if batchSize <= 0 {
				batchSize = len(msgs)
			}

			out := cmd.OutOrStdout()
			counts := make(map[string]int)
			for start := 0; start < len(msgs); start += batchSize {
				end := min(start+batchSize, len(msgs))
				outcomes, err := c.Inject(cmd.Context(), msgs[start:end])
				if err != nil {
					return fmt.Errorf("batch at %d: %w", start, err)
				}
				for i, o := range outcomes {
					counts[o.Status]++
					printOutcome(out, msgs[start+i], o)
				}
			}

			fmt.Fprintf(out, "\n%d accepted, %d duplicate, %d rejected, %d failed\n",
				counts[constants.OutcomeAccepted], counts[constants.OutcomeDuplicate],
				counts[constants.OutcomeRejected], counts[constants.OutcomeFailed])

			if n := counts[constants.OutcomeFailed]; n > 0 {
				return fmt.Errorf("%d of %d messages were not delivered", n, len(msgs))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "admin endpoint address")
	f.StringVar(&cfg.Token, "token", "", "admin token")
	f.BoolVar(&cfg.TLS, "tls", false, "connect with TLS")
	f.BoolVar(&cfg.TLSSkipVerify, "tls-skip-verify", false, "skip TLS certificate verification")
	f.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "per-batch timeout")
	f.StringVar(&channel, "channel", "", "channel identity")
	f.Float64Var(&value, "value", 0, "raw value")
	f.StringVar(&timestamp, "timestamp", "", "ISO-8601 source timestamp (default now)")
	f.StringVar(&key, "key", "", "idempotency key (default derived)")
	f.StringSliceVar(&metadata, "meta", nil, "metadata as key=value (repeatable)")
	f.StringVar(&file, "file", "", "JSON lines file of feed messages (- for stdin)")
	f.IntVar(&batchSize, "batch", 500, "messages per request")
	return cmd
}

// readMessages decodes one feed message per non-empty line.
func readMessages(stdin io.Reader, path string) ([]ingestion.Message, error) {
	r := stdin
	if path != "-" {
		fh, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer fh.Close()
		r = fh
	}

	var msgs []ingestion.Message
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		msg, err := feed.Decode([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, sc.Err()
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	md := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q: want key=value", p)
		}
		md[k] = v
	}
	return md, nil
}

func printOutcome(w io.Writer, msg ingestion.Message, o ingestion.Outcome) {
	var status string
	switch o.Status {
	case constants.OutcomeAccepted:
		status = color.New(color.FgGreen).Sprint("accepted ")
	case constants.OutcomeDuplicate:
		status = color.New(color.FgYellow).Sprint("duplicate")
	case constants.OutcomeRejected:
		status = color.New(color.FgRed).Sprint("rejected ")
	default:
		status = color.New(color.FgRed, color.Bold).Sprint("failed   ")
	}

	fmt.Fprintf(w, "%s %-16s %-30s %g", status, msg.Channel, msg.Timestamp, msg.Value)
	switch {
	case o.Reason != "":
		fmt.Fprintf(w, "  (%s)", o.Reason)
	case o.Err != nil:
		fmt.Fprintf(w, "  (%v)", o.Err)
	}
	fmt.Fprintln(w)
}
