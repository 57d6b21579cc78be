package main

import (
	"os"

	"github.com/spf13/cobra"
)

// envConfig is read before any flag is declared; flags default to it.
var envConfig = mustLoadConfig()

func mustLoadConfig() config {
	cobra.CheckErr(loadEnv(".env"))
	cfg, err := configFromEnv(os.Getenv)
	cobra.CheckErr(err)
	return cfg
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mipstream",
	Short: "Bake and stream mip chains.",
	Long: `mipstream bakes images into streamable mip chains stored in a ` +
		`directory or a SQLite database, and simulates streaming them ` +
		`through a budgeted GPU pool.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level := envConfig.LogLevel
		if cmd.Flags().Changed("log-level") {
			s, _ := cmd.Flags().GetString("log-level")
			l, err := parseLevel(s)
			if err != nil {
				return err
			}
			level = l
		}
		setupLogger(cmd.ErrOrStderr(), level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", envConfig.LogLevel.String(),
		"log level (debug, info, warn, error)")
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
