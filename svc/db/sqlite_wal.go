package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ciphernotes/svc/util"
)

const (
	checkpointInterval  = 5 * time.Minute
	truncateLogPages    = 1000
	integrityCheckLimit = 30 * time.Second
)

// StartWALMaintenance checkpoints the write-ahead log until quit is closed,
// then runs one final checkpoint.
func StartWALMaintenance(db *sql.DB, quit chan struct{}) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := performWALCheckpoint(db); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-quit:
			if err := performWALCheckpoint(db); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			return
		}
	}
}

func performWALCheckpoint(db *sql.DB) error {
	start := time.Now()
	busy, logPages, done, err := checkpoint(db, "PASSIVE")
	if err != nil {
		return err
	}
	util.Debug().Int("busy", busy).Int("log", logPages).Int("checkpointed", done).Msg("PASSIVE checkpoint")
	if logPages > truncateLogPages || busy > 0 {
		busy, logPages, done, err = checkpoint(db, "TRUNCATE")
		if err != nil {
			return err
		}
		util.Info().Int("busy", busy).Int("log", logPages).Int("checkpointed", done).Msg("TRUNCATE checkpoint")
	}
	if err := verifyIntegrity(db); err != nil {
		util.Error().Err(err).Msg("database integrity check failed after checkpoint")
		return err
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func checkpoint(db *sql.DB, mode string) (busy, logPages, checkpointed int, err error) {
	q := fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)
	if err = db.QueryRow(q).Scan(&busy, &logPages, &checkpointed); err != nil {
		if _, execErr := db.Exec(q); execErr != nil {
			return 0, 0, 0, fmt.Errorf("%s checkpoint failed: %w", mode, execErr)
		}
		return 0, 0, 0, nil
	}
	return busy, logPages, checkpointed, nil
}

func verifyIntegrity(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), integrityCheckLimit)
	defer cancel()
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check returned: %s", result)
	}
	return nil
}
