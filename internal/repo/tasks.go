package repo

import (
	"context"
	"database/sql"

	"taskpilot/internal/domain"
)

const taskCols = `id,project_id,custom_id,name,description,status,deadline,assignee_id,created_at,updated_at`

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var desc, assignee sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.CustomID, &t.Name, &desc, &t.Status, &t.Deadline, &assignee, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.CustomID, t.Name, nullable(t.Description), t.Status, t.Deadline,
		nullableStringPtr(t.AssigneeID), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// GetTaskByCustomID resolves a task by its human-facing identifier, which is
// unique only within its project.
func (r Repo) GetTaskByCustomID(ctx context.Context, projectID, customID string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE project_id=? AND custom_id=?`, projectID, customID)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	ProjectID  string
	AssigneeID string
	Status     string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.AssigneeID != "" {
		query += ` AND assignee_id=?`
		args = append(args, f.AssigneeID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListOverdueTasks returns tasks past their deadline that are not done.
// Deadlines are stored as RFC3339 strings so lexical comparison is correct.
func (r Repo) ListOverdueTasks(ctx context.Context, now string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE deadline < ? AND status != 'done' ORDER BY deadline ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTaskDeadlineTx(ctx context.Context, tx *sql.Tx, id, deadline, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET deadline=?, updated_at=? WHERE id=?`, deadline, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetAssigneeTx(ctx context.Context, tx *sql.Tx, id, assigneeID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET assignee_id=?, updated_at=? WHERE id=?`, nullable(assigneeID), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOpenTasksByAssignee returns, per member, how many not-done tasks they
// currently hold in the project. Members with no open tasks are absent.
func (r Repo) CountOpenTasksByAssignee(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT assignee_id, count(*) FROM tasks
WHERE project_id=? AND status != 'done' AND assignee_id IS NOT NULL GROUP BY assignee_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		res[id] = n
	}
	return res, rows.Err()
}
