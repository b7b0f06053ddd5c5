package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for stitch runs.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stitch_runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_stage TEXT,
            error_kind TEXT,
            error_message TEXT,
            meta_json TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_frames (
            run_id TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            status TEXT NOT NULL,
            PRIMARY KEY (run_id, frame_index)
        );`,
		`CREATE TABLE IF NOT EXISTS run_edges (
            run_id TEXT NOT NULL,
            from_frame INTEGER NOT NULL,
            to_frame INTEGER NOT NULL,
            correspondences INTEGER,
            inliers INTEGER,
            rmse REAL,
            PRIMARY KEY (run_id, from_frame, to_frame)
        );`,
		`CREATE TABLE IF NOT EXISTS watch_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            file_path TEXT NOT NULL,
            event_type TEXT NOT NULL,
            event_time TIMESTAMP NOT NULL,
            file_size INTEGER,
            run_id TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_run_frames_run ON run_frames(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_run_edges_run ON run_edges(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_watch_events_file_path ON watch_events(file_path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted stitch run.
type RunRecord struct {
	ID          string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	ErrorStage  string
	ErrorKind   string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// FrameRecord is the fate of one sampled frame in a run.
type FrameRecord struct {
	Index  int
	Status string // used, dropped
}

// EdgeRecord is an accepted frame pair of a run's match graph.
type EdgeRecord struct {
	From, To        int
	Correspondences int
	Inliers         int
	RMSE            float64
}

// WatchEvent is a video picked up by the directory watcher.
type WatchEvent struct {
	FilePath  string
	EventType string
	EventTime time.Time
	FileSize  int64
	RunID     string
}

// RunFailure holds the structured parts of a failed run.
type RunFailure struct {
	Stage   string
	Kind    string
	Message string
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO stitch_runs (id, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE stitch_runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with status, meta and the failure, if any.
func (s *Store) RecordRunResult(id string, status string, meta map[string]any, failure *RunFailure) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	var stage, kind, msg sql.NullString
	if failure != nil {
		stage = sql.NullString{String: failure.Stage, Valid: failure.Stage != ""}
		kind = sql.NullString{String: failure.Kind, Valid: failure.Kind != ""}
		msg = sql.NullString{String: failure.Message, Valid: true}
	}
	_, err := s.DB.Exec(`UPDATE stitch_runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_stage=?, error_kind=?, error_message=?, meta_json=? WHERE id=?;`,
		status, stage, kind, msg, string(metaJSON), id)
	return err
}

// RecordFrames stores the sampled frames of a run.
func (s *Store) RecordFrames(runID string, frames []FrameRecord) error {
	if s == nil || len(frames) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	for _, f := range frames {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO run_frames (run_id, frame_index, status) VALUES (?, ?, ?);`, runID, f.Index, f.Status); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecordEdges stores the match graph edges of a run.
func (s *Store) RecordEdges(runID string, edges []EdgeRecord) error {
	if s == nil || len(edges) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	for _, e := range edges {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO run_edges (run_id, from_frame, to_frame, correspondences, inliers, rmse) VALUES (?, ?, ?, ?, ?, ?);`,
			runID, e.From, e.To, e.Correspondences, e.Inliers, e.RMSE); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecordWatchEvent persists a watcher detection.
func (s *Store) RecordWatchEvent(ev WatchEvent) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO watch_events (file_path, event_type, event_time, file_size, run_id) VALUES (?, ?, ?, ?, ?);`,
		ev.FilePath, ev.EventType, ev.EventTime, ev.FileSize, ev.RunID)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_stage, error_kind, error_message FROM stitch_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var created time.Time
		var started, completed sql.NullTime
		var stage, kind, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &stage, &kind, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		rec.ErrorStage, rec.ErrorKind, rec.Error = stage.String, kind.String, errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunMeta fetches the meta blob of a run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON sql.NullString
	if err := s.DB.QueryRow(`SELECT meta_json FROM stitch_runs WHERE id=?;`, id).Scan(&metaJSON); err != nil {
		return nil, err
	}
	if !metaJSON.Valid {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON.String), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RunFrames returns the frames of a run in index order.
func (s *Store) RunFrames(id string) ([]FrameRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT frame_index, status FROM run_frames WHERE run_id=? ORDER BY frame_index;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FrameRecord
	for rows.Next() {
		var f FrameRecord
		if err := rows.Scan(&f.Index, &f.Status); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RunEdges returns the match graph edges of a run.
func (s *Store) RunEdges(id string) ([]EdgeRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT from_frame, to_frame, correspondences, inliers, rmse FROM run_edges WHERE run_id=? ORDER BY from_frame, to_frame;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EdgeRecord
	for rows.Next() {
		var e EdgeRecord
		if err := rows.Scan(&e.From, &e.To, &e.Correspondences, &e.Inliers, &e.RMSE); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
