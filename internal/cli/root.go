package cli

import (
	"github.com/spf13/cobra"

	"github.com/soyeahso/tutorchat/internal/config"
	"github.com/soyeahso/tutorchat/internal/logging"
)

var (
	cfgFile  string
	logLevel string
	logStyle string

	// loaded at init time
	paths config.Paths
	log   *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tutorchat",
		Short: "tutorchat realtime tutoring chat server",
		Long: "tutorchat hosts realtime tutoring sessions over WebSocket. Student messages are " +
			"queued, answered by an AI tutor, filtered for quality and delivered to the session.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			log = newLogger(config.LoggingConfig{Level: logLevel, ConsoleStyle: logStyle})
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.tutorchat/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")
	cmd.PersistentFlags().StringVar(&logStyle, "log-style", "", "console log style (pretty, json)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newDLQCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// newLogger builds the root logger from the logging section of the config.
// An empty level means info.
func newLogger(cfg config.LoggingConfig) *logging.Logger {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	return logging.NewStyled(cfg.ConsoleStyle, cfg.Level)
}

// applyLogFlags lets the persistent flags win over the config file.
func applyLogFlags(cfg *config.LoggingConfig) {
	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logStyle != "" {
		cfg.ConsoleStyle = logStyle
	}
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
