package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/config"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

var DebugLog func(string, ...interface{})

type DB struct {
	conn    *sql.DB
	enabled bool
}

// SweepRecord describes one builder invocation: a model layer and the
// configs generated for it.
type SweepRecord struct {
	ID            uuid.UUID
	ModelName     string
	Layer         int
	SubmoduleName string
	Device        string
	SaveDir       string
	Steps         int
	DryRun        bool
	CreatedAt     time.Time
}

// RunRecord is one trainer config joined with its sweep.
type RunRecord struct {
	SweepID       uuid.UUID
	ModelName     string
	SubmoduleName string
	Position      int
	Architecture  string
	Trainer       string
	WandbName     string
	DictSize      int
	CreatedAt     time.Time
}

type EvalRecord struct {
	AEPath        string
	ModelName     string
	NInputs       int
	ContextLength int
	Metrics       map[string]interface{}
	EvaluatedAt   time.Time
}

// TrackedConfig is the subset of a trainer config the tracking tables index;
// the full mapping is stored alongside as JSONB.
type TrackedConfig struct {
	Architecture string
	Trainer      string
	WandbName    string
	DictSize     int
	Fields       map[string]interface{}
}

const DBName = "saesweep_track"

func New(cfg *config.Database) (*DB, error) {
	db := &DB{
		enabled: cfg.Enabled,
	}

	if !cfg.Enabled {
		if DebugLog != nil {
			DebugLog("database tracking disabled")
		}
		return db, nil
	}

	postgresConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password)

	postgresConn, err := sql.Open("postgres", postgresConnStr)
	if err != nil {
		return db, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer postgresConn.Close()

	if err := postgresConn.Ping(); err != nil {
		return db, fmt.Errorf("failed to ping postgres: %w", err)
	}

	var exists bool
	err = postgresConn.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", DBName).Scan(&exists)
	if err != nil {
		return db, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		_, err = postgresConn.Exec(fmt.Sprintf("CREATE DATABASE %s", DBName))
		if err != nil {
			return db, fmt.Errorf("failed to create database: %w", err)
		}
		fmt.Printf("[INF] Database '%s' created successfully.\n", DBName)
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, DBName)

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return db, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return db, fmt.Errorf("failed to ping database: %w", err)
	}

	db.conn = conn
	fmt.Println("[INF] Database connection active.")

	if err := db.initSchema(); err != nil {
		return db, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func (db *DB) initSchema() error {
	if !db.enabled || db.conn == nil {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sweeps (
		id UUID PRIMARY KEY,
		model_name VARCHAR(255) NOT NULL,
		layer INTEGER NOT NULL,
		submodule_name VARCHAR(255) NOT NULL,
		device VARCHAR(64) NOT NULL,
		save_dir TEXT NOT NULL,
		steps INTEGER NOT NULL,
		dry_run BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS trainer_configs (
		id SERIAL PRIMARY KEY,
		sweep_id UUID NOT NULL REFERENCES sweeps(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		architecture VARCHAR(64) NOT NULL,
		trainer VARCHAR(128) NOT NULL,
		wandb_name VARCHAR(255) NOT NULL,
		dict_size INTEGER NOT NULL,
		config JSONB NOT NULL,
		UNIQUE(sweep_id, position)
	);

	CREATE TABLE IF NOT EXISTS eval_results (
		id SERIAL PRIMARY KEY,
		ae_path TEXT NOT NULL UNIQUE,
		model_name VARCHAR(255) NOT NULL,
		n_inputs INTEGER NOT NULL,
		context_length INTEGER NOT NULL,
		metrics JSONB NOT NULL,
		evaluated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_sweeps_model ON sweeps(model_name);
	CREATE INDEX IF NOT EXISTS idx_configs_architecture ON trainer_configs(architecture);
	CREATE INDEX IF NOT EXISTS idx_eval_model ON eval_results(model_name);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *DB) IsEnabled() bool {
	return db.enabled && db.conn != nil
}

// TrackSweep stores a sweep and its configs in one transaction. It is a
// no-op when tracking is disabled.
func (db *DB) TrackSweep(sweep SweepRecord, configs []TrackedConfig) error {
	if !db.IsEnabled() {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if DebugLog != nil {
		DebugLog("recording sweep %s (%s, %d configs) in database", sweep.ID, sweep.SubmoduleName, len(configs))
	}

	_, err = tx.Exec(`
		INSERT INTO sweeps (id, model_name, layer, submodule_name, device, save_dir, steps, dry_run, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, sweep.ID, sweep.ModelName, sweep.Layer, sweep.SubmoduleName, sweep.Device, sweep.SaveDir, sweep.Steps, sweep.DryRun)
	if err != nil {
		return fmt.Errorf("failed to insert sweep: %w", err)
	}

	for i, c := range configs {
		fields, err := json.Marshal(c.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal config %d: %w", i, err)
		}

		_, err = tx.Exec(`
			INSERT INTO trainer_configs (sweep_id, position, architecture, trainer, wandb_name, dict_size, config)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, sweep.ID, i, c.Architecture, c.Trainer, c.WandbName, c.DictSize, string(fields))
		if err != nil {
			return fmt.Errorf("failed to insert config %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// RecordEval upserts the results of one evaluated artifact directory.
func (db *DB) RecordEval(rec EvalRecord) error {
	if !db.IsEnabled() {
		return nil
	}

	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if DebugLog != nil {
		DebugLog("recording eval results for %s in database", rec.AEPath)
	}

	_, err = db.conn.Exec(`
		INSERT INTO eval_results (ae_path, model_name, n_inputs, context_length, metrics, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (ae_path) DO UPDATE
		SET model_name = EXCLUDED.model_name,
			n_inputs = EXCLUDED.n_inputs,
			context_length = EXCLUDED.context_length,
			metrics = EXCLUDED.metrics,
			evaluated_at = NOW()
	`, rec.AEPath, rec.ModelName, rec.NInputs, rec.ContextLength, string(metrics))
	return err
}

// QueryRuns lists tracked trainer configs, newest sweep first. Empty filters
// match everything.
func (db *DB) QueryRuns(modelName, architecture string) ([]RunRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	query := `
		SELECT s.id, s.model_name, s.submodule_name, c.position, c.architecture, c.trainer, c.wandb_name, c.dict_size, s.created_at
		FROM trainer_configs c
		JOIN sweeps s ON s.id = c.sweep_id
		WHERE 1 = 1
	`
	var args []interface{}

	if modelName != "" {
		args = append(args, modelName)
		query += fmt.Sprintf(" AND s.model_name = $%d", len(args))
	}
	if architecture != "" {
		args = append(args, architecture)
		query += fmt.Sprintf(" AND c.architecture = $%d", len(args))
	}

	query += " ORDER BY s.created_at DESC, c.position"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.SweepID, &r.ModelName, &r.SubmoduleName, &r.Position, &r.Architecture,
			&r.Trainer, &r.WandbName, &r.DictSize, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (db *DB) QueryEvals(modelName string) ([]EvalRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	query := `
		SELECT ae_path, model_name, n_inputs, context_length, metrics, evaluated_at
		FROM eval_results
	`
	var args []interface{}

	if modelName != "" {
		query += " WHERE model_name = $1"
		args = append(args, modelName)
	}

	query += " ORDER BY ae_path"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []EvalRecord
	for rows.Next() {
		var r EvalRecord
		var metrics []byte
		if err := rows.Scan(&r.AEPath, &r.ModelName, &r.NInputs, &r.ContextLength, &metrics, &r.EvaluatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metrics, &r.Metrics); err != nil {
			return nil, fmt.Errorf("invalid metrics for %s: %w", r.AEPath, err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}
