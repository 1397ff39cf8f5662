// peebotd ingests sensor readings, runs detectors over them and posts
// actions for detected events.
package main

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/xtxerr/peebot/internal/detector"
	"github.com/xtxerr/peebot/internal/detector/trend"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/loader"
	"github.com/xtxerr/peebot/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:     "peebotd",
		Short:   "Sensor ingestion and event detection daemon",
		Version: Version,
		Long: `peebotd ingests a stream of sensor readings into a time-partitioned store,
runs checkpointed detectors over sliding windows of that history and posts
one action per detected occurrence.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "peebot.yaml", "config file path")

	rootCmd.AddCommand(serveCmd(&cfgPath))
	rootCmd.AddCommand(injectCmd())
	rootCmd.AddCommand(checkpointsCmd(&cfgPath))
	rootCmd.AddCommand(eventsCmd(&cfgPath))
	rootCmd.AddCommand(retentionCmd(&cfgPath))
	rootCmd.AddCommand(summaryCmd(&cfgPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the config file and initializes logging.
// A missing file yields the defaults.
func loadConfig(path string) (*loader.Config, error) {
	cfg, err := loader.Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = loader.DefaultConfig()
	}
	if err := loader.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	return cfg, nil
}

// buildDetectors registers the known detector kinds and builds every
// configured detector.
func buildDetectors(cfg *loader.Config) (*detector.Registry, error) {
	reg := detector.NewRegistry()
	reg.RegisterKind(trend.Kind, trend.New)

	for _, spec := range loader.ToDetectorSpecs(cfg) {
		if _, err := reg.Build(spec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
