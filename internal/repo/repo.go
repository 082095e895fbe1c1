package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskpilot/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

func (r Repo) UpsertPrincipal(ctx context.Context, p domain.Principal) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO principals(id,username,display_name,subscription,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET username=excluded.username, display_name=excluded.display_name`,
		p.ID, nullable(p.Username), p.DisplayName, p.Subscription, p.CreatedAt)
	return err
}

func (r Repo) GetPrincipal(ctx context.Context, id string) (domain.Principal, error) {
	var p domain.Principal
	var username sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,username,display_name,subscription,created_at FROM principals WHERE id=?`, id).
		Scan(&p.ID, &username, &p.DisplayName, &p.Subscription, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if username.Valid {
		p.Username = username.String
	}
	return p, err
}

func (r Repo) SetSubscription(ctx context.Context, id, tier string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE principals SET subscription=? WHERE id=?`, tier, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.Name, &desc, &p.Status, &p.ChatID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

const projectCols = `id,name,description,status,chat_id,created_at`

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

// ActiveProjectByChat returns the single active project bound to a group chat.
func (r Repo) ActiveProjectByChat(ctx context.Context, chatID string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE chat_id=? AND status='active'`, chatID))
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,description,status,chat_id,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.Status, p.ChatID, p.CreatedAt)
	return err
}

func (r Repo) ListProjectsByPrincipal(ctx context.Context, principalID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT p.id,p.name,COALESCE(p.description,''),p.status,p.chat_id,p.created_at
FROM projects p JOIN memberships m ON m.project_id=p.id WHERE m.principal_id=? ORDER BY p.created_at DESC`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.ChatID, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),status,chat_id,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.ChatID, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) MarkProjectTerminatedTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status='terminated' WHERE id=? AND status='active'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) DeleteProjectTasksTx(ctx context.Context, tx *sql.Tx, projectID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE project_id=?`, projectID)
	return err
}

func (r Repo) DeleteMembershipsTx(ctx context.Context, tx *sql.Tx, projectID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE project_id=?`, projectID)
	return err
}

func (r Repo) AddMemberTx(ctx context.Context, tx *sql.Tx, m domain.Membership) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO memberships(project_id,principal_id,role) VALUES (?,?,?)`,
		m.ProjectID, m.PrincipalID, m.Role)
	return err
}

func (r Repo) GetMembership(ctx context.Context, projectID, principalID string) (domain.Membership, error) {
	var m domain.Membership
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,principal_id,role FROM memberships WHERE project_id=? AND principal_id=?`, projectID, principalID).
		Scan(&m.ProjectID, &m.PrincipalID, &m.Role)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// ListMembers returns the current members of a project with their roles.
func (r Repo) ListMembers(ctx context.Context, projectID string) ([]domain.Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,principal_id,role FROM memberships WHERE project_id=? ORDER BY principal_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.ProjectID, &m.PrincipalID, &m.Role); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CountActiveAdminProjects counts active projects where the principal holds
// the admin role. Used for the free-tier quota gate.
func (r Repo) CountActiveAdminProjects(ctx context.Context, principalID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM memberships m JOIN projects p ON p.id=m.project_id
WHERE m.principal_id=? AND m.role='admin' AND p.status='active'`, principalID).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
