// Package app wires the mailsync commands.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/logging"
)

var (
	configFile string
	cfg        *config.Config
	logger     zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailsync",
	Short: "Mail synchronization worker",
	Long:  "Pulls new messages from Gmail, Outlook and IMAP mailboxes into the shared message store",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(); err != nil {
			return err
		}
		loaded, err := config.Load(viper.GetViper(), configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log.level", "info", "Log level")
	rootCmd.PersistentFlags().String("log.format", "json", "Log format: json or console")
	rootCmd.PersistentFlags().String("database.driver", "sqlite", "Store driver: postgres or sqlite")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log.level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log.format"))
	viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("database.driver"))

	rootCmd.AddCommand(serveCmd, runCmd, consumeCmd, dispatchCmd, migrateCmd, sealCmd, credentialsCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
