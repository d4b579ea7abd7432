// Package app provides the entry point for the tagsync server application.
package app

import (
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clouddeck/tagsync-server/internal/versions"
)

// logger is the process logger, set once by NewRootCmd
var logger logr.Logger

var rootCmd = &cobra.Command{
	Use:               "tagsync-server",
	DisableAutoGenTag: true,
	Short:             "Multi-region resource tag sync server",
	Long: `tagsync-server aggregates resources from multiple region APIs into a
local document store, reconciles duplicates, and serves tagged, filtered
views of the result over a REST API.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Error(err, "Error displaying help")
		}
	},
}

// NewRootCmd creates the root command of the tagsync server
func NewRootCmd(log logr.Logger) *cobra.Command {
	logger = log

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Error(err, "Error binding debug flag")
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			logger.Error(err, "Error retrieving format flag")
			return
		}

		if format == "json" {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				logger.Error(err, "Error formatting version info as JSON")
				return
			}
			fmt.Println(string(output))
		} else {
			logger.Info("tagsync-server version",
				"version", info.Version,
				"commit", info.Commit,
				"built", info.BuildDate,
				"go", info.GoVersion,
				"platform", info.Platform)
		}
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Output format (json)")
}
