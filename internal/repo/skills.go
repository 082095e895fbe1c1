package repo

import (
	"context"

	"taskpilot/internal/domain"
)

// UpsertSkill overwrites the declared value for one skill key.
func (r Repo) UpsertSkill(ctx context.Context, s domain.Skill) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO skills(principal_id,skill_key,value,updated_at) VALUES (?,?,?,?)
ON CONFLICT(principal_id,skill_key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		s.PrincipalID, s.Key, s.Value, s.UpdatedAt)
	return err
}

func (r Repo) ListSkills(ctx context.Context, principalID string) ([]domain.Skill, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT principal_id,skill_key,value,updated_at FROM skills WHERE principal_id=? ORDER BY skill_key`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Skill
	for rows.Next() {
		var s domain.Skill
		if err := rows.Scan(&s.PrincipalID, &s.Key, &s.Value, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SkillsByProject gathers the skill profiles of every current member of a
// project, keyed by principal id. Members without declared skills get an
// empty slice so callers see the full roster.
func (r Repo) SkillsByProject(ctx context.Context, projectID string) (map[string][]domain.Skill, error) {
	members, err := r.ListMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	res := make(map[string][]domain.Skill, len(members))
	for _, m := range members {
		res[m.PrincipalID] = nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT s.principal_id,s.skill_key,s.value,s.updated_at
FROM skills s JOIN memberships m ON m.principal_id=s.principal_id WHERE m.project_id=? ORDER BY s.principal_id, s.skill_key`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s domain.Skill
		if err := rows.Scan(&s.PrincipalID, &s.Key, &s.Value, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res[s.PrincipalID] = append(res[s.PrincipalID], s)
	}
	return res, rows.Err()
}
