// Package main is the entry point for the gunasoctl binary.
// gunasoctl is the operations tool for a Gunaso deployment: it prepares
// the database schema, generates encryption key material, and runs
// one-off data repairs.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/config"
	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/crypto"
	"github.com/gunaso/gunaso/internal/db"
	"github.com/gunaso/gunaso/internal/grievance/models"
	"github.com/gunaso/gunaso/internal/grievance/repository"
	"github.com/gunaso/gunaso/internal/grievance/repository/sqlite"
)

const usage = `gunasoctl - Gunaso operations tool

Usage:
  gunasoctl schema-init          Create all tables and indexes
  gunasoctl schema-recreate      Drop all tables and rebuild the schema (destroys data)
  gunasoctl keygen               Generate the field encryption key if missing
  gunasoctl backfill-submitted   Insert missing SUBMITTED history rows
  gunasoctl task <task_id>       Print one task record
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch os.Args[1] {
	case "schema-init":
		err = runSchemaInit(ctx, cfg, log)
	case "schema-recreate":
		err = runSchemaRecreate(ctx, cfg, log)
	case "keygen":
		err = runKeygen(cfg, log)
	case "backfill-submitted":
		err = runBackfillSubmitted(ctx, cfg, log)
	case "task":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "task requires a task_id argument")
			os.Exit(1)
		}
		err = runShowTask(ctx, cfg, os.Args[2])
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}

	if err != nil {
		log.Error("Command failed", zap.String("command", os.Args[1]), zap.Error(err))
		os.Exit(1)
	}
}

// openRepo opens the configured database and returns the repository.
// Schema creation happens as a side effect of construction.
func openRepo(cfg *config.Config) (*sqlite.Repository, func(), error) {
	var writer, reader *sqlx.DB
	if cfg.Database.UsePostgres() {
		pgDB, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		writer = sqlx.NewDb(pgDB, "pgx")
		reader = writer
	} else {
		writerDB, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		readerDB, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			writerDB.Close()
			return nil, nil, err
		}
		writer = sqlx.NewDb(writerDB, "sqlite3")
		reader = sqlx.NewDb(readerDB, "sqlite3")
	}

	pool := db.NewPool(writer, reader)
	repo, _, err := repository.Provide(writer, reader)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repo, func() { pool.Close() }, nil
}

func runSchemaInit(_ context.Context, cfg *config.Config, log *logger.Logger) error {
	_, cleanup, err := openRepo(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Info("Schema initialized")
	return nil
}

// runSchemaRecreate drops every table and rebuilds the schema. Meant
// for development and test databases; there is no undo.
func runSchemaRecreate(_ context.Context, cfg *config.Config, log *logger.Logger) error {
	repo, cleanup, err := openRepo(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := repo.RecreateSchema(); err != nil {
		return err
	}
	log.Info("Schema recreated", zap.String("database", cfg.Database.Path))
	return nil
}

func runKeygen(cfg *config.Config, log *logger.Logger) error {
	if _, err := crypto.NewFieldCipher(cfg.Encryption.KeyPath); err != nil {
		return err
	}
	log.Info("Encryption key ready", zap.String("path", cfg.Encryption.KeyPath))
	return nil
}

// runBackfillSubmitted repairs grievances that were written before
// status history tracking existed: every grievance gets a SUBMITTED row.
func runBackfillSubmitted(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	repo, cleanup, err := openRepo(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ids, err := repo.ListGrievancesMissingHistory(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		log.Info("No grievances need backfilling")
		return nil
	}

	var fixed int
	for _, grievanceID := range ids {
		err := repo.WithTx(ctx, func(tx *sqlx.Tx) error {
			return repo.AppendStatusHistory(ctx, tx, grievanceID, models.GrievanceSubmitted, "backfilled")
		})
		if err != nil {
			log.Error("Backfill failed for grievance",
				zap.String("grievance_id", grievanceID), zap.Error(err))
			continue
		}
		fixed++
	}

	log.Info("Backfill complete", zap.Int("candidates", len(ids)), zap.Int("fixed", fixed))
	if fixed < len(ids) {
		return fmt.Errorf("backfilled %d of %d grievances", fixed, len(ids))
	}
	return nil
}

func runShowTask(ctx context.Context, cfg *config.Config, taskID string) error {
	repo, cleanup, err := openRepo(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := repo.GetTaskRecord(ctx, taskID)
	if err != nil {
		return err
	}

	fmt.Printf("task_id:      %s\n", rec.TaskID)
	fmt.Printf("task_name:    %s\n", rec.TaskName)
	fmt.Printf("status_code:  %s\n", rec.StatusCode)
	fmt.Printf("retry_count:  %d\n", rec.RetryCount)
	if rec.ErrorMessage != "" {
		fmt.Printf("error:        %s\n", rec.ErrorMessage)
	}
	if len(rec.Result) > 0 {
		fmt.Printf("result:       %s\n", string(rec.Result))
	}
	return nil
}
