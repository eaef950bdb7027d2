package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "forest-watch",
		Short: "forest-watch - real-time fire detection on drone and camera streams",
		Long: `forest-watch runs one detection pipeline per video stream (camera, video file
or synthetic drone feed), publishes annotated frames and detection events,
and raises fire alerts through Telegram and the HTTP API.`,
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("http-addr", "", "HTTP listen address (default :8080)")

	// Bind flags to viper
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("http_addr", rootCmd.PersistentFlags().Lookup("http-addr"))
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
