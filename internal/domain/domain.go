package domain

// Subscription tiers.
const (
	TierFree    = "free"
	TierPremium = "premium"
)

// Project statuses.
const (
	ProjectActive     = "active"
	ProjectTerminated = "terminated"
)

// Task statuses. Progression is assigned -> in_progress -> done; moving
// backwards is a caller error, not a constraint the store enforces.
const (
	TaskAssigned   = "assigned"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
)

// Membership roles. A project has at most one admin row at any time.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// SkillKeys is the catalogue of declarable skill keys. A principal holds at
// most one value per key; re-answering overwrites.
var SkillKeys = []string{
	"language",
	"framework",
	"database",
	"prototyping",
	"agile",
	"requirements",
	"documentation",
	"testing",
	"devops",
}

type Principal struct {
	ID           string `json:"id"`
	Username     string `json:"username,omitempty"`
	DisplayName  string `json:"display_name"`
	Subscription string `json:"subscription" enum:"free,premium"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"active,terminated"`
	ChatID      string `json:"chat_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Membership struct {
	ProjectID   string `json:"project_id"`
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role" enum:"admin,member"`
}

type Task struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	CustomID    string  `json:"custom_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"assigned,in_progress,done"`
	Deadline    string  `json:"deadline" format:"date-time"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Skill struct {
	PrincipalID string `json:"principal_id"`
	Key         string `json:"key"`
	Value       string `json:"value"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ProjectID   string `json:"project_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	PrincipalID string `json:"principal_id"`
	Payload     string `json:"payload_json"`
}

// ValidSkillKey reports whether key is part of the catalogue.
func ValidSkillKey(key string) bool {
	for _, k := range SkillKeys {
		if k == key {
			return true
		}
	}
	return false
}
