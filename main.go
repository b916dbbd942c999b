package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"natlease/config"
	"natlease/metrics"
	"natlease/replay"
)

var (
	version    = "dev"
	configPath string
	logLevel   string
	dumpStats  bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "natlease",
		Short: "natlease - lease pool and NAT table state machines",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loglvl, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("failed to parse log level %q, try debug", logLevel)
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(loglvl).With().Timestamp().Logger().With().Caller().Logger()
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "scenario.yaml", "scenario location")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "verbosity", "v", "info", "log level")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed the scenario events through the pools and the NAT table",
		RunE:  runReplay,
	}
	replayCmd.Flags().BoolVar(&dumpStats, "metrics", false, "print metrics in prometheus text format when done")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("natlease version %s\n", version)
		},
	})
	return rootCmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	scenario, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Msgf("Failed to load scenario '%s'", configPath)
		return err
	}
	rec := metrics.New()
	runner, err := replay.New(scenario, rec)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build state")
		return err
	}
	results, err := runner.Run()
	for _, res := range results {
		fmt.Fprintln(cmd.OutOrStdout(), res)
	}
	if err != nil {
		log.Error().Err(err).Msg("Replay stopped")
		return err
	}
	if dumpStats {
		return rec.WriteText(cmd.OutOrStdout())
	}
	return nil
}
