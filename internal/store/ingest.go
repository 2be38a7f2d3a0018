package store

import (
	"database/sql"
	"time"
)

// IngestRun represents a single segment fetch for auditing.
type IngestRun struct {
	ID                int64
	CycleID           string
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Segment           string // "actual", "predicted", "future", "live"
	Endpoint          string
	Attempts          sql.NullInt64
	HTTPStatus        sql.NullInt64
	ResponseSizeBytes sql.NullInt64
	RecordsParsed     sql.NullInt64
	RecordsDropped    sql.NullInt64 // records that failed to normalize
	Success           bool
	ErrorMessage      sql.NullString
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(cycleID, segment, endpoint string) (*IngestRun, error) {
	run := &IngestRun{
		CycleID:   cycleID,
		StartedAt: time.Now().UTC(),
		Segment:   segment,
		Endpoint:  endpoint,
	}

	result, err := s.db.Exec(`
		INSERT INTO ingest_runs (cycle_id, started_at, segment, endpoint, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.CycleID, run.StartedAt, run.Segment, run.Endpoint)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE ingest_runs SET
			finished_at = ?,
			endpoint = ?,
			attempts = ?,
			http_status = ?,
			response_size_bytes = ?,
			records_parsed = ?,
			records_dropped = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.Endpoint, run.Attempts, run.HTTPStatus, run.ResponseSizeBytes,
		run.RecordsParsed, run.RecordsDropped, run.Success, run.ErrorMessage, run.ID)
	return err
}

// IngestHealthSummary represents a daily ingest health summary per segment.
type IngestHealthSummary struct {
	Date          string
	Segment       string
	TotalRuns     int
	SuccessRuns   int
	FailedRuns    int
	TotalAttempts int64
	TotalRecords  int64
	TotalDropped  int64
}

// GetIngestHealth returns ingest health summaries for the last N days.
func (s *Store) GetIngestHealth(days int) ([]IngestHealthSummary, error) {
	rows, err := s.db.Query(`
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			segment,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			COALESCE(SUM(attempts), 0) as total_attempts,
			COALESCE(SUM(records_parsed), 0) as total_records,
			COALESCE(SUM(records_dropped), 0) as total_dropped
		FROM ingest_runs
		WHERE SUBSTR(started_at, 1, 19) > datetime('now', '-' || ? || ' days')
		GROUP BY date, segment
		ORDER BY date DESC, segment
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestHealthSummary
	for rows.Next() {
		var h IngestHealthSummary
		if err := rows.Scan(&h.Date, &h.Segment, &h.TotalRuns, &h.SuccessRuns,
			&h.FailedRuns, &h.TotalAttempts, &h.TotalRecords, &h.TotalDropped); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentIngestErrors returns recent failed ingest runs.
func (s *Store) GetRecentIngestErrors(limit int) ([]IngestRun, error) {
	rows, err := s.db.Query(`
		SELECT id, cycle_id, started_at, finished_at, segment, endpoint, attempts,
			   http_status, response_size_bytes, records_parsed, records_dropped,
			   success, error_message
		FROM ingest_runs
		WHERE success = FALSE
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.ID, &r.CycleID, &r.StartedAt, &r.FinishedAt, &r.Segment, &r.Endpoint,
			&r.Attempts, &r.HTTPStatus, &r.ResponseSizeBytes, &r.RecordsParsed,
			&r.RecordsDropped, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
