package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logger     zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "termgate",
	Short: "Terminal client for a remote gateway",
	Long: `termgate keeps a live session against a remote gateway: it streams
terminal I/O, negotiates multi-round authentication, and transfers files in
chunks over the same connection.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = initLogger()
	},
}

func initLogger() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Str("app", "termgate").Logger()
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "termgate.toml", "config file path")
	rootCmd.AddCommand(connectCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
