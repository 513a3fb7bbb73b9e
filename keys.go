package tempo

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Cache Keys
// ============================================================================

// ResourceKind names the collection a key refers to.
type ResourceKind string

const (
	KindNotes         ResourceKind = "notes"
	KindTasks         ResourceKind = "tasks"
	KindProjects      ResourceKind = "projects"
	KindStatuses      ResourceKind = "project-statuses"
	KindEvents        ResourceKind = "team-events"
	KindMessages      ResourceKind = "team-messages"
	KindNotifications ResourceKind = "notifications"
	KindTeams         ResourceKind = "teams"
	KindTeamMembers   ResourceKind = "team-members"
	KindJoinRequests  ResourceKind = "team-join-requests"
	KindInvitations   ResourceKind = "team-invitations"
)

const personalScope = "personal"

// Scope is the ownership scope of a collection. The zero value is the
// signed-in user's personal scope.
type Scope struct {
	TeamID string
}

// Personal returns the personal scope.
func Personal() Scope { return Scope{} }

// TeamScope returns the scope of a specific team.
func TeamScope(id string) Scope { return Scope{TeamID: id} }

// IsPersonal reports whether s is the personal scope.
func (s Scope) IsPersonal() bool { return s.TeamID == "" }

func (s Scope) String() string {
	if s.IsPersonal() {
		return personalScope
	}
	return "team:" + s.TeamID
}

// Key identifies one independently revalidated collection.
// Two components touching the same data must build the key through the same
// constructor below.
type Key struct {
	Kind  ResourceKind
	Scope Scope
	Sub   string
}

// String serializes the key for storage. It is the only place a key becomes
// a string.
func (k Key) String() string {
	parts := []string{url.PathEscape(string(k.Kind)), url.PathEscape(k.Scope.String())}
	if k.Sub != "" {
		parts = append(parts, url.PathEscape(k.Sub))
	}
	return strings.Join(parts, "/")
}

// IsZero reports whether k is unset.
func (k Key) IsZero() bool { return k.Kind == "" }

// WithSub returns a copy of k with a different sub-scope.
func (k Key) WithSub(sub string) Key {
	k.Sub = sub
	return k
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return Key{}, fmt.Errorf("invalid cache key %q", s)
	}
	unescaped := make([]string, len(parts))
	for i, p := range parts {
		u, err := url.PathUnescape(p)
		if err != nil {
			return Key{}, fmt.Errorf("invalid cache key %q: %w", s, err)
		}
		unescaped[i] = u
	}
	k := Key{Kind: ResourceKind(unescaped[0])}
	if k.Kind == "" {
		return Key{}, fmt.Errorf("invalid cache key %q: empty kind", s)
	}
	switch scope := unescaped[1]; {
	case scope == personalScope:
	case strings.HasPrefix(scope, "team:") && len(scope) > len("team:"):
		k.Scope = TeamScope(strings.TrimPrefix(scope, "team:"))
	default:
		return Key{}, fmt.Errorf("invalid cache key %q: unknown scope %q", s, scope)
	}
	if len(unescaped) == 3 {
		k.Sub = unescaped[2]
	}
	return k, nil
}

// ── Constructors ────────────────────────────────────────

func NotesKey() Key { return Key{Kind: KindNotes} }

func TasksKey(projectID string) Key { return Key{Kind: KindTasks, Sub: projectID} }

func ProjectsKey() Key { return Key{Kind: KindProjects} }

func StatusesKey(projectID string) Key { return Key{Kind: KindStatuses, Sub: projectID} }

// EventsKey keys a team's calendar by month (YYYY-MM).
func EventsKey(teamID string, month time.Time) Key {
	return Key{Kind: KindEvents, Scope: TeamScope(teamID), Sub: month.Format("2006-01")}
}

// MessagesKey is the chain key holding every loaded page of a team's chat.
func MessagesKey(teamID string) Key { return Key{Kind: KindMessages, Scope: TeamScope(teamID)} }

func NotificationsKey() Key { return Key{Kind: KindNotifications} }

// TeamsKey holds the teams the signed-in user belongs to.
func TeamsKey() Key { return Key{Kind: KindTeams} }

// TeamKey holds a single team's details.
func TeamKey(teamID string) Key { return Key{Kind: KindTeams, Scope: TeamScope(teamID)} }

func TeamMembersKey(teamID string) Key { return Key{Kind: KindTeamMembers, Scope: TeamScope(teamID)} }

// JoinRequestsKey holds a team's pending join requests.
func JoinRequestsKey(teamID string) Key { return Key{Kind: KindJoinRequests, Scope: TeamScope(teamID)} }

// InvitationsKey holds the pending invitations addressed to the signed-in user.
func InvitationsKey() Key { return Key{Kind: KindInvitations} }

// PageKey identifies one page of a chain for fetch deduplication.
func PageKey(chain Key, index int) Key {
	return chain.WithSub(fmt.Sprintf("page-%d", index))
}
