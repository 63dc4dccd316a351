package training

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS runs(
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	image_dir TEXT NOT NULL,
	labels TEXT NOT NULL,
	extractor TEXT NOT NULL,
	strategy TEXT NOT NULL,
	config TEXT NOT NULL,
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS evaluations(
	run_id TEXT NOT NULL REFERENCES runs(id),
	step INTEGER NOT NULL,
	train_accuracy REAL NOT NULL,
	cross_entropy REAL NOT NULL,
	validation_accuracy REAL NOT NULL,
	learning_rate REAL NOT NULL,
	PRIMARY KEY(run_id, step)
);
CREATE TABLE IF NOT EXISTS tests(
	run_id TEXT PRIMARY KEY REFERENCES runs(id),
	accuracy REAL NOT NULL,
	samples INTEGER NOT NULL,
	confusion TEXT
);`

// Run statuses recorded in history
const (
	RunStarted   = "started"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// History records retraining runs in a SQLite database
type History struct {
	db *sql.DB
}

// RunRecord is a row of the runs table
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	ImageDir   string
	Labels     []string
	Extractor  string
	Strategy   string
	Status     string
}

// OpenHistory opens or creates the database at path
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure history database: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history tables: %w", err)
	}
	return &History{db: db}, nil
}

// Close closes the database
func (h *History) Close() error {
	return h.db.Close()
}

// StartRun inserts a run in the started state
func (h *History) StartRun(ctx context.Context, run RunRecord, config Config) error {
	labels, err := json.Marshal(run.Labels)
	if err != nil {
		return err
	}
	cfg, err := json.Marshal(config)
	if err != nil {
		return err
	}
	_, err = h.db.ExecContext(ctx,
		`INSERT INTO runs(id, started_at, image_dir, labels, extractor, strategy, config, status)
		VALUES(?,?,?,?,?,?,?,?)`,
		run.ID, run.StartedAt.UTC().Format(time.RFC3339Nano), run.ImageDir, string(labels),
		run.Extractor, run.Strategy, string(cfg), RunStarted)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// FinishRun sets the final status of a run
func (h *History) FinishRun(ctx context.Context, runID, status string) error {
	_, err := h.db.ExecContext(ctx, "UPDATE runs SET status=?, finished_at=? WHERE id=?",
		status, time.Now().UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// RecordEvaluation stores one periodic evaluation
func (h *History) RecordEvaluation(ctx context.Context, runID string, e Evaluation) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO evaluations(run_id, step, train_accuracy, cross_entropy, validation_accuracy, learning_rate)
		VALUES(?,?,?,?,?,?)`,
		runID, e.Step, e.TrainAccuracy, e.CrossEntropy, e.ValidationAccuracy, e.LearningRate)
	if err != nil {
		return fmt.Errorf("failed to record evaluation: %w", err)
	}
	return nil
}

// RecordTest stores the final test result
func (h *History) RecordTest(ctx context.Context, runID string, accuracy float64, samples int, confusion *ConfusionMatrix) error {
	var matrix sql.NullString
	if confusion != nil {
		data, err := json.Marshal(confusion.Matrix)
		if err != nil {
			return err
		}
		matrix = sql.NullString{String: string(data), Valid: true}
	}
	_, err := h.db.ExecContext(ctx, "INSERT INTO tests(run_id, accuracy, samples, confusion) VALUES(?,?,?,?)",
		runID, accuracy, samples, matrix)
	if err != nil {
		return fmt.Errorf("failed to record test: %w", err)
	}
	return nil
}

// Run loads a run by id
func (h *History) Run(ctx context.Context, runID string) (*RunRecord, error) {
	var (
		run             RunRecord
		started, labels string
		finished        sql.NullString
	)
	err := h.db.QueryRowContext(ctx,
		"SELECT id, started_at, finished_at, image_dir, labels, extractor, strategy, status FROM runs WHERE id=?", runID).
		Scan(&run.ID, &started, &finished, &run.ImageDir, &labels, &run.Extractor, &run.Strategy, &run.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, err
	}
	if finished.Valid {
		if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished.String); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal([]byte(labels), &run.Labels); err != nil {
		return nil, err
	}
	return &run, nil
}

// Evaluations returns the evaluations of a run ordered by step
func (h *History) Evaluations(ctx context.Context, runID string) ([]Evaluation, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT step, train_accuracy, cross_entropy, validation_accuracy, learning_rate
		FROM evaluations WHERE run_id=? ORDER BY step`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Evaluation
	for rows.Next() {
		var e Evaluation
		if err := rows.Scan(&e.Step, &e.TrainAccuracy, &e.CrossEntropy, &e.ValidationAccuracy, &e.LearningRate); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TestAccuracy returns the recorded final test accuracy of a run
func (h *History) TestAccuracy(ctx context.Context, runID string) (float64, int, error) {
	var accuracy float64
	var samples int
	err := h.db.QueryRowContext(ctx, "SELECT accuracy, samples FROM tests WHERE run_id=?", runID).Scan(&accuracy, &samples)
	return accuracy, samples, err
}
