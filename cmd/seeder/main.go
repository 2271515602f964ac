// cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/unclebandit/bulkwa-backend/internal/config"
	"github.com/unclebandit/bulkwa-backend/internal/db"
	"github.com/unclebandit/bulkwa-backend/internal/logging"
)

func main() {
	_ = godotenv.Load()

	var dir string
	cmd := &cobra.Command{
		Use:          "seeder",
		Short:        "Load demo owners and contacts into the database",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.NewViper()
			logging.Setup(v.GetString("log_level"), v.GetString("log_format"))
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return seed(cmd.Context(), cfg.DatabaseURL, dir)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "seed", "directory holding *.sql seed files")

	if err := cmd.Execute(); err != nil {
		logrus.WithError(err).Error("❌ seeding failed")
		os.Exit(1)
	}
}

func seed(ctx context.Context, dsn, dir string) error {
	conn, err := db.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}

	seedFiles, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	if len(seedFiles) == 0 {
		return fmt.Errorf("no seed files in %s", dir)
	}
	sort.Strings(seedFiles)

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute %s: %w", file, err)
		}
		logrus.WithField("file", file).Info("🌱 Seeded")
	}

	logrus.Info("✅ Database seeding completed successfully")
	return nil
}
