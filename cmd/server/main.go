// cmd/server/main.go
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unclebandit/bulkwa-backend/internal/config"
	"github.com/unclebandit/bulkwa-backend/internal/db"
	"github.com/unclebandit/bulkwa-backend/internal/logging"
)

func main() {
	// Load .env
	if err := godotenv.Load(); err != nil {
		logrus.Info("⚠️ No .env file found, relying on OS environment variables")
	}

	if err := newRootCommand(config.NewViper()).Execute(); err != nil {
		logrus.WithError(err).Error("❌ command failed")
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulkwa",
		Short: "AI-screened bulk WhatsApp campaign backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			logging.Setup(v.GetString("log_level"), v.GetString("log_format"))
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("log_level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().String("log_format", "text", "log format (text|json)")

	cmd.AddCommand(newServeCommand(v))
	cmd.AddCommand(newMigrateCommand(v))
	return cmd
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("port", "8080", "HTTP listen port")
	cmd.Flags().String("queue_driver", "memory", "delivery queue (memory|amqp)")
	cmd.Flags().Int("worker_concurrency", 5, "concurrent delivery workers")
	cmd.Flags().Bool("restore_on_boot", false, "reconnect previously connected owners at startup")
	return cmd
}

func newMigrateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			conn, err := db.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer conn.Close()
			return db.Migrate(cmd.Context(), conn)
		},
	}
}
