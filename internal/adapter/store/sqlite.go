package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
	"go.opentelemetry.io/otel/trace"

	"dispatch/internal/domain"
	"dispatch/internal/infra/tracer"
)

// defaultListLimit caps ListTasksByAgent when the caller passes no limit.
const defaultListLimit = 100

// Store persists agent workloads and routing tasks in a single SQLite file.
// It implements both domain.WorkloadStore and domain.TaskStore.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at dbPath and runs the schema
// migration. The parent directory is created when missing.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open routing db: %w", err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate routing db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_workloads (
			agent_id     TEXT PRIMARY KEY,
			current_load INTEGER NOT NULL DEFAULT 0,
			updated_at   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS routing_tasks (
			id             TEXT PRIMARY KEY,
			message_id     TEXT NOT NULL,
			agent_id       TEXT NOT NULL,
			status         TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			classification TEXT NOT NULL DEFAULT '{}',
			source         TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_routing_tasks_agent ON routing_tasks(agent_id);
		CREATE INDEX IF NOT EXISTS idx_routing_tasks_message ON routing_tasks(message_id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveWorkload upserts the agent's current load.
func (s *Store) SaveWorkload(ctx context.Context, agentID string, currentLoad int) error {
	ctx, span := tracer.StartSpan(ctx, "store.save_workload",
		trace.WithAttributes(tracer.StringAttr("agent.id", agentID)),
	)
	defer span.End()

	const upsert = `
		INSERT INTO agent_workloads (agent_id, current_load, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			current_load = excluded.current_load,
			updated_at   = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, upsert,
		agentID, currentLoad, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		err = fmt.Errorf("save workload: %w", err)
		tracer.RecordError(span, err)
		return err
	}
	return nil
}

// LoadWorkloads returns the persisted load for every known agent.
func (s *Store) LoadWorkloads(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT agent_id, current_load FROM agent_workloads")
	if err != nil {
		return nil, fmt.Errorf("load workloads: %w", err)
	}
	defer rows.Close()

	loads := make(map[string]int)
	for rows.Next() {
		var agentID string
		var load int
		if err := rows.Scan(&agentID, &load); err != nil {
			return nil, fmt.Errorf("scan workload: %w", err)
		}
		loads[agentID] = load
	}
	return loads, rows.Err()
}

// CreateTask inserts a routing task.
func (s *Store) CreateTask(ctx context.Context, task *domain.RoutingTask) error {
	ctx, span := tracer.StartSpan(ctx, "store.create_task",
		trace.WithAttributes(
			tracer.StringAttr("task.id", task.ID),
			tracer.StringAttr("agent.id", task.AgentID),
		),
	)
	defer span.End()

	classification, err := json.Marshal(task.Classification)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	source, err := json.Marshal(task.Source)
	if err != nil {
		return fmt.Errorf("marshal source: %w", err)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO routing_tasks (id, message_id, agent_id, status, created_at, classification, source) VALUES (?, ?, ?, ?, ?, ?, ?)",
		task.ID, task.MessageID, task.AgentID, string(task.Status),
		task.CreatedAt.Format(time.RFC3339Nano),
		string(classification), string(source),
	)
	if err != nil {
		err = fmt.Errorf("insert task: %w", err)
		tracer.RecordError(span, err)
		return err
	}
	return nil
}

// GetTask returns the task with the given ID, or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.RoutingTask, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, message_id, agent_id, status, created_at, classification, source FROM routing_tasks WHERE id = ?", id,
	)
	task, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTaskNotFound
	}
	return task, err
}

// ListTasksByAgent returns the most recent tasks assigned to the agent.
// A non-positive limit falls back to defaultListLimit.
func (s *Store) ListTasksByAgent(ctx context.Context, agentID string, limit int) ([]*domain.RoutingTask, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, message_id, agent_id, status, created_at, classification, source FROM routing_tasks WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?",
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.RoutingTask
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus sets the task's status. Returns ErrTaskNotFound when the
// ID is unknown.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE routing_tasks SET status = ? WHERE id = ?", string(status), id,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// CountTasksByStatus returns the number of tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM routing_tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanTask(scan func(dest ...any) error) (*domain.RoutingTask, error) {
	var task domain.RoutingTask
	var status, createdStr, classificationStr, sourceStr string
	if err := scan(&task.ID, &task.MessageID, &task.AgentID, &status, &createdStr, &classificationStr, &sourceStr); err != nil {
		return nil, err
	}
	task.Status = domain.TaskStatus(status)
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if err := json.Unmarshal([]byte(classificationStr), &task.Classification); err != nil {
		return nil, fmt.Errorf("unmarshal classification: %w", err)
	}
	if err := json.Unmarshal([]byte(sourceStr), &task.Source); err != nil {
		return nil, fmt.Errorf("unmarshal source: %w", err)
	}
	return &task, nil
}
