package main

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bryan-buckman/readerarchive/internal/config"
)

var (
	Quiet   bool
	Verbose bool
)

func newRootCmd(cfg config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "readerarchive",
		Short: "Archive a Google Reader account",
		Long: `Downloads the streams, items, comments and account metadata of a Google
Reader account into a directory, and serves the resulting archive back over
the Reader API.`,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			initLogging()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&Quiet, "quiet", "q", false, "Activate quiet log output")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "Activate verbose log output")

	rootCmd.AddCommand(
		newArchiveCmd(cfg),
		newIndexCmd(cfg),
		newServeCmd(cfg),
		newLookupCmd(),
		newOPMLCmd(cfg),
	)

	return rootCmd
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	rootCmd := newRootCmd(cfg)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func initLogging() {
	level := log.InfoLevel
	if Verbose {
		level = log.DebugLevel
	}
	if Quiet {
		level = log.ErrorLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

func emitJSON(cmd *cobra.Command, x interface{}) error {
	bs, err := json.MarshalIndent(x, "", "    ")
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%v\n", string(bs))
	return nil
}
