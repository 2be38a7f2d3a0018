package store

import (
	"database/sql"
	"time"
)

// PipelineRun records one polling cycle: which token it held, whether it
// finished, and whether its result was applied or discarded as stale.
type PipelineRun struct {
	ID           int64
	CycleID      string
	Kind         string // "timeline" or "live"
	Token        int64
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Success      bool
	Degraded     bool
	Applied      bool
	ErrorMessage sql.NullString
	Summary      sql.NullString
}

func (s *Store) StartPipelineRun(cycleID, kind string, token uint64) (*PipelineRun, error) {
	run := &PipelineRun{
		CycleID:   cycleID,
		Kind:      kind,
		Token:     int64(token),
		StartedAt: time.Now().UTC(),
	}

	result, err := s.db.Exec(`
		INSERT INTO pipeline_runs (cycle_id, kind, token, started_at, success, degraded, applied)
		VALUES (?, ?, ?, ?, FALSE, FALSE, FALSE)
	`, run.CycleID, run.Kind, run.Token, run.StartedAt)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) CompletePipelineRun(run *PipelineRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE pipeline_runs SET
			finished_at = ?,
			success = ?,
			degraded = ?,
			applied = ?,
			error_message = ?,
			summary = ?
		WHERE id = ?
	`, run.FinishedAt, run.Success, run.Degraded, run.Applied, run.ErrorMessage, run.Summary, run.ID)
	return err
}

// GetRecentPipelineRuns returns the most recent cycles, newest first.
func (s *Store) GetRecentPipelineRuns(limit int) ([]PipelineRun, error) {
	rows, err := s.db.Query(`
		SELECT id, cycle_id, kind, token, started_at, finished_at, success, degraded, applied, error_message, summary
		FROM pipeline_runs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PipelineRun
	for rows.Next() {
		var r PipelineRun
		if err := rows.Scan(&r.ID, &r.CycleID, &r.Kind, &r.Token, &r.StartedAt, &r.FinishedAt,
			&r.Success, &r.Degraded, &r.Applied, &r.ErrorMessage, &r.Summary); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
