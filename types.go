package tempo

import (
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the REST backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	code := e.Code
	if code == "" {
		code = strconv.Itoa(e.Status)
	}
	return code + ": " + e.Message
}

// Entity is any record with an identifier unique within its collection.
type Entity interface {
	EntityID() string
}

// Timestamped entities can be ordered chronologically and paginated.
type Timestamped interface {
	Entity
	Timestamp() time.Time
}

// ============================================================================
// Notes
// ============================================================================

type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n Note) EntityID() string { return n.ID }

// NoteUpdate carries the fields to change; nil fields are left untouched.
type NoteUpdate struct {
	Title   *string
	Content *string
}

// ============================================================================
// Projects & Tasks
// ============================================================================

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

type Project struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p Project) EntityID() string { return p.ID }

type ProjectUpdate struct {
	Name     *string
	Color    *string
	Position *int
}

type ProjectStatus struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Icon      string    `json:"icon"`
	Color     string    `json:"color"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

func (s ProjectStatus) EntityID() string { return s.ID }

type StatusUpdate struct {
	Name     *string
	Icon     *string
	Color    *string
	Position *int
}

type Task struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	ProjectID     string       `json:"project_id"`
	StatusID      string       `json:"status_id"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Priority      TaskPriority `json:"priority"`
	ScheduledDate string       `json:"scheduled_date"`
	Position      int          `json:"position"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (t Task) EntityID() string { return t.ID }

type TaskOptions struct {
	Description   string
	Priority      TaskPriority
	ScheduledDate string
}

type TaskUpdate struct {
	Title         *string
	Description   *string
	Priority      *TaskPriority
	ScheduledDate *string
	StatusID      *string
	Position      *int
}

// ============================================================================
// Team Calendar
// ============================================================================

type TeamEvent struct {
	ID          string    `json:"id"`
	TeamID      string    `json:"team_id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	IsAllDay    bool      `json:"is_all_day"`
	Color       string    `json:"color"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (e TeamEvent) EntityID() string { return e.ID }

func (e TeamEvent) Timestamp() time.Time { return e.StartTime }

type EventInput struct {
	Title       string
	Description string
	StartTime   time.Time
	EndTime     time.Time
	IsAllDay    bool
	Color       string
}

type EventUpdate struct {
	Title       *string
	Description *string
	StartTime   *time.Time
	EndTime     *time.Time
	IsAllDay    *bool
	Color       *string
}

// ============================================================================
// Team Chat
// ============================================================================

type MessageType string

const (
	MessageText MessageType = "text"
	MessageMeet MessageType = "meet"
	MessageLink MessageType = "link"
)

type TeamMessage struct {
	ID        string            `json:"id"`
	TeamID    string            `json:"team_id"`
	UserID    string            `json:"user_id"`
	Content   string            `json:"content"`
	Type      MessageType       `json:"type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	EditedAt  *time.Time        `json:"edited_at,omitempty"`
}

func (m TeamMessage) EntityID() string { return m.ID }

func (m TeamMessage) Timestamp() time.Time { return m.CreatedAt }

// ============================================================================
// Notifications
// ============================================================================

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func (n Notification) EntityID() string { return n.ID }

func (n Notification) Timestamp() time.Time { return n.CreatedAt }

// ============================================================================
// Teams
// ============================================================================

type TeamRole string

const (
	RoleOwner  TeamRole = "owner"
	RoleAdmin  TeamRole = "admin"
	RoleMember TeamRole = "member"
)

// RequestStatus is the lifecycle of a join request or invitation.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusAccepted RequestStatus = "accepted"
	StatusRejected RequestStatus = "rejected"
)

type Team struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	InviteCode  string    `json:"invite_code"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (t Team) EntityID() string { return t.ID }

type TeamUpdate struct {
	Name        *string
	Description *string
}

type TeamMember struct {
	ID       string    `json:"id"`
	TeamID   string    `json:"team_id"`
	UserID   string    `json:"user_id"`
	Role     TeamRole  `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

func (m TeamMember) EntityID() string { return m.ID }

type TeamJoinRequest struct {
	ID         string        `json:"id"`
	TeamID     string        `json:"team_id"`
	UserID     string        `json:"user_id"`
	Status     RequestStatus `json:"status"`
	ResolvedBy string        `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

func (r TeamJoinRequest) EntityID() string { return r.ID }

type TeamInvitation struct {
	ID            string        `json:"id"`
	TeamID        string        `json:"team_id"`
	InvitedUserID string        `json:"invited_user_id"`
	InvitedBy     string        `json:"invited_by"`
	Status        RequestStatus `json:"status"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (i TeamInvitation) EntityID() string { return i.ID }
