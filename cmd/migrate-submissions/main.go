// Command migrate-submissions groups legacy images that have no submission into
// submissions, one per upload session, or rolls such a migration back.
//
//	migrate-submissions -mode=dry-run     print the plan, write nothing
//	migrate-submissions -mode=execute     create submissions and link images
//	migrate-submissions -mode=rollback    remove migrated submissions and their links
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Lllllllleong/detectionflow/internal/app"
	"github.com/Lllllllleong/detectionflow/internal/platform/logger"
	"github.com/Lllllllleong/detectionflow/internal/services"
)

// migrator is the part of services.Migrator the command drives.
type migrator interface {
	Plan(ctx context.Context) (*services.MigrationPlan, error)
	Apply(ctx context.Context, plan *services.MigrationPlan) (*services.MigrationLog, error)
	PlanRollback(ctx context.Context) (*services.RollbackPlan, error)
	ApplyRollback(ctx context.Context, plan *services.RollbackPlan) (*services.MigrationLog, error)
}

func main() {
	var (
		fMode    = flag.String("mode", services.ModeDryRun, "dry-run | execute | rollback")
		fEnvFile = flag.String("env-file", ".env", "optional dotenv file loaded before reading the environment")
	)
	flag.Parse()

	if err := godotenv.Load(*fEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", *fEnvFile, err)
		os.Exit(2)
	}
	logger.Init(logger.FromEnv())
	l := logger.Named("migrate-submissions")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.FromEnv(ctx, l, app.WithoutDetector())
	if err != nil {
		l.Fatal().Err(err).Msg("initialization failed")
	}
	defer func() {
		if err := a.Close(); err != nil {
			l.Error().Err(err).Msg("failed to close clients")
		}
	}()

	if err := run(ctx, a.Migrator, *fMode, os.Stdout); err != nil {
		l.Error().Err(err).Str("mode", *fMode).Msg("migration failed")
		stop()
		_ = a.Close()
		os.Exit(1)
	}
}

// run executes one mode and prints its plan or log as JSON to out.
func run(ctx context.Context, m migrator, mode string, out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	switch mode {
	case services.ModeDryRun:
		plan, err := m.Plan(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(plan)
	case services.ModeExecute:
		plan, err := m.Plan(ctx)
		if err != nil {
			return err
		}
		mlog, err := m.Apply(ctx, plan)
		if err != nil {
			return err
		}
		if err := enc.Encode(mlog); err != nil {
			return err
		}
		return logErrors(mlog)
	case services.ModeRollback:
		plan, err := m.PlanRollback(ctx)
		if err != nil {
			return err
		}
		mlog, err := m.ApplyRollback(ctx, plan)
		if err != nil {
			return err
		}
		if err := enc.Encode(mlog); err != nil {
			return err
		}
		return logErrors(mlog)
	default:
		return fmt.Errorf("unknown mode %q: want %s, %s or %s", mode, services.ModeDryRun, services.ModeExecute, services.ModeRollback)
	}
}

func logErrors(mlog *services.MigrationLog) error {
	if len(mlog.Errors) > 0 {
		return fmt.Errorf("%d operations failed, re-run to finish", len(mlog.Errors))
	}
	return nil
}
