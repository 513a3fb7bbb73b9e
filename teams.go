package tempo

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const maxDescriptionLength = 1000

// TeamsService manages team membership. The user's teams live under
// TeamsKey, a team's details under TeamKey, its members under
// TeamMembersKey and its pending join requests under JoinRequestsKey.
// Invitations addressed to the user live under InvitationsKey.
type TeamsService struct {
	c           *Client
	teams       *Remote[Team]
	members     *Remote[TeamMember]
	requests    *Remote[TeamJoinRequest]
	invitations *Remote[TeamInvitation]
}

func newTeamsService(c *Client) *TeamsService {
	s := &TeamsService{
		c:           c,
		teams:       NewRemote[Team](c.backend, TableTeams),
		members:     NewRemote[TeamMember](c.backend, TableTeamMembers),
		requests:    NewRemote[TeamJoinRequest](c.backend, TableJoinRequests),
		invitations: NewRemote[TeamInvitation](c.backend, TableInvitations),
	}
	c.revalidator.Register(s.Key(), fetcherOf(s.Fetch))
	c.revalidator.Register(InvitationsKey(), fetcherOf(s.FetchInvitations))
	return s
}

func (s *TeamsService) Key() Key { return TeamsKey() }

// register installs the fetchers of one team's keys.
func (s *TeamsService) register(teamID string) {
	s.c.revalidator.Register(TeamKey(teamID), func(ctx context.Context) (any, error) {
		return s.FetchTeam(ctx, teamID)
	})
	s.c.revalidator.Register(TeamMembersKey(teamID), fetcherOf(s.membersFetcher(teamID)))
	s.c.revalidator.Register(JoinRequestsKey(teamID), fetcherOf(s.requestsFetcher(teamID)))
}

// ── Fetching ────────────────────────────────────────────

// Fetch loads every team the signed-in user is a member of, in the order
// the memberships were created.
func (s *TeamsService) Fetch(ctx context.Context) ([]Team, error) {
	uid, err := s.c.requireUser()
	if err != nil {
		return nil, err
	}
	memberships, err := s.members.FetchCollection(ctx, Where("user_id", uid).Order("joined_at", false))
	if err != nil {
		return nil, err
	}
	teams := make([]*Team, len(memberships))
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range memberships {
		g.Go(func() error {
			rows, err := s.teams.FetchCollection(ctx, Where("id", m.TeamID))
			if err != nil {
				return err
			}
			if len(rows) > 0 {
				teams[i] = &rows[0]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]Team, 0, len(teams))
	for _, t := range teams {
		if t != nil {
			out = append(out, *t)
		}
	}
	return Dedupe(out), nil
}

// FetchTeam loads one team. It fails with ErrNotFound when the team is gone.
func (s *TeamsService) FetchTeam(ctx context.Context, teamID string) (Team, error) {
	rows, err := s.teams.FetchCollection(ctx, Where("id", teamID))
	if err != nil {
		return Team{}, err
	}
	if len(rows) == 0 {
		return Team{}, fmt.Errorf("team %q: %w", teamID, ErrNotFound)
	}
	return rows[0], nil
}

func (s *TeamsService) FetchMembers(ctx context.Context, teamID string) ([]TeamMember, error) {
	return s.members.FetchCollection(ctx, Where("team_id", teamID).Order("joined_at", false))
}

// FetchJoinRequests loads a team's pending join requests, newest first.
func (s *TeamsService) FetchJoinRequests(ctx context.Context, teamID string) ([]TeamJoinRequest, error) {
	q := Query{Eq: map[string]string{"team_id": teamID, "status": string(StatusPending)}}
	return s.requests.FetchCollection(ctx, q.Order("created_at", true))
}

// FetchInvitations loads the pending invitations addressed to the signed-in
// user, newest first.
func (s *TeamsService) FetchInvitations(ctx context.Context) ([]TeamInvitation, error) {
	uid, err := s.c.requireUser()
	if err != nil {
		return nil, err
	}
	q := Query{Eq: map[string]string{"invited_user_id": uid, "status": string(StatusPending)}}
	return s.invitations.FetchCollection(ctx, q.Order("created_at", true))
}

func (s *TeamsService) membersFetcher(teamID string) func(context.Context) ([]TeamMember, error) {
	return func(ctx context.Context) ([]TeamMember, error) { return s.FetchMembers(ctx, teamID) }
}

func (s *TeamsService) requestsFetcher(teamID string) func(context.Context) ([]TeamJoinRequest, error) {
	return func(ctx context.Context) ([]TeamJoinRequest, error) { return s.FetchJoinRequests(ctx, teamID) }
}

// ── Reading ─────────────────────────────────────────────

func (s *TeamsService) Use(ctx context.Context, consumer func(View[[]Team])) func() {
	return useCollection(ctx, s.c, s.Key(), s.Fetch, consumer)
}

// UseTeam subscribes to one team's details.
func (s *TeamsService) UseTeam(ctx context.Context, teamID string, consumer func(View[Team])) func() {
	s.register(teamID)
	return s.c.Use(ctx, TeamKey(teamID), func(ctx context.Context) (any, error) {
		return s.FetchTeam(ctx, teamID)
	}, func(e Entry) { consumer(ViewOf[Team](e)) })
}

func (s *TeamsService) UseMembers(ctx context.Context, teamID string, consumer func(View[[]TeamMember])) func() {
	s.register(teamID)
	return useCollection(ctx, s.c, TeamMembersKey(teamID), s.membersFetcher(teamID), consumer)
}

func (s *TeamsService) UseJoinRequests(ctx context.Context, teamID string, consumer func(View[[]TeamJoinRequest])) func() {
	s.register(teamID)
	return useCollection(ctx, s.c, JoinRequestsKey(teamID), s.requestsFetcher(teamID), consumer)
}

func (s *TeamsService) UseInvitations(ctx context.Context, consumer func(View[[]TeamInvitation])) func() {
	return useCollection(ctx, s.c, InvitationsKey(), s.FetchInvitations, consumer)
}

func (s *TeamsService) Load(ctx context.Context) error {
	return loadCollection(ctx, s.c, s.Key(), s.Fetch)
}

// LoadTeam loads one team's details together with its members and pending
// join requests.
func (s *TeamsService) LoadTeam(ctx context.Context, teamID string) error {
	s.register(teamID)
	g, ctx := errgroup.WithContext(ctx)
	for _, key := range []Key{TeamKey(teamID), TeamMembersKey(teamID), JoinRequestsKey(teamID)} {
		g.Go(func() error { return s.c.revalidator.Revalidate(ctx, key) })
	}
	return g.Wait()
}

func (s *TeamsService) LoadInvitations(ctx context.Context) error {
	return loadCollection(ctx, s.c, InvitationsKey(), s.FetchInvitations)
}

func (s *TeamsService) List() []Team {
	return Items[Team](s.c.Read(s.Key()).Value)
}

// Team returns the cached details of teamID.
func (s *TeamsService) Team(teamID string) (Team, bool) {
	v := Read[Team](s.c, TeamKey(teamID))
	return v.Data, v.HasValue && v.Data.ID != ""
}

func (s *TeamsService) Members(teamID string) []TeamMember {
	return Items[TeamMember](s.c.Read(TeamMembersKey(teamID)).Value)
}

func (s *TeamsService) JoinRequests(teamID string) []TeamJoinRequest {
	return Items[TeamJoinRequest](s.c.Read(JoinRequestsKey(teamID)).Value)
}

func (s *TeamsService) Invitations() []TeamInvitation {
	return Items[TeamInvitation](s.c.Read(InvitationsKey()).Value)
}

// ── Teams ───────────────────────────────────────────────

// Create adds a team owned by the signed-in user, who becomes its first
// member.
func (s *TeamsService) Create(ctx context.Context, name, description string) (Team, error) {
	uid, err := s.c.requireUser()
	if err != nil {
		return Team{}, err
	}
	name, err = validateTitle("team", name)
	if err != nil {
		return Team{}, err
	}
	description = sanitizeText(description, maxDescriptionLength)

	now := s.c.timestamp()
	code := newInviteCode()
	temp := Team{ID: NewTempID(), Name: name, Description: description, InviteCode: code, CreatedBy: uid, CreatedAt: now, UpdatedAt: now}
	var owner TeamMember
	created, err := createEntity(ctx, s.c, s.Key(), temp, false, func(ctx context.Context) (Team, error) {
		t, err := s.teams.Create(ctx, map[string]any{
			"name":        name,
			"description": description,
			"invite_code": code,
			"created_by":  uid,
		})
		if err != nil {
			return t, err
		}
		owner, err = s.members.Create(ctx, map[string]any{
			"team_id":   t.ID,
			"user_id":   uid,
			"role":      RoleOwner,
			"joined_at": now.Format(time.RFC3339Nano),
		})
		return t, err
	})
	if err != nil {
		return created, err
	}
	s.register(created.ID)
	s.c.store.Set(TeamKey(created.ID), created, false)
	s.c.store.Set(TeamMembersKey(created.ID), []TeamMember{owner}, false)
	return created, nil
}

func (s *TeamsService) Update(ctx context.Context, teamID string, u TeamUpdate) (Team, error) {
	patch := map[string]any{}
	if u.Name != nil {
		name, err := validateTitle("team", *u.Name)
		if err != nil {
			return Team{}, err
		}
		u.Name = &name
		patch["name"] = name
	}
	if u.Description != nil {
		desc := sanitizeText(*u.Description, maxDescriptionLength)
		u.Description = &desc
		patch["description"] = desc
	}
	now := s.c.timestamp()
	patch["updated_at"] = now.Format(time.RFC3339Nano)
	updated, err := updateEntity(ctx, s.c, s.Key(), teamID, func(t Team) Team {
		if u.Name != nil {
			t.Name = *u.Name
		}
		if u.Description != nil {
			t.Description = *u.Description
		}
		t.UpdatedAt = now
		return t
	}, func(ctx context.Context) (Team, error) {
		return s.teams.Update(ctx, teamID, patch)
	})
	if err != nil {
		return updated, err
	}
	s.c.store.UpdateIf(TeamKey(teamID), func(current any) (any, bool) {
		if current == nil {
			return nil, false
		}
		return updated, true
	}, false)
	return updated, nil
}

// Delete removes a team and drops every cached key of it.
func (s *TeamsService) Delete(ctx context.Context, teamID string) error {
	err := deleteEntity[Team](ctx, s.c, s.Key(), teamID, func(ctx context.Context) error {
		return s.teams.Delete(ctx, teamID)
	})
	if err != nil {
		return err
	}
	s.forget(teamID)
	return nil
}

// Leave removes the signed-in user's membership of teamID.
func (s *TeamsService) Leave(ctx context.Context, teamID string) error {
	uid, err := s.c.requireUser()
	if err != nil {
		return err
	}
	if err := s.RemoveMember(ctx, teamID, uid); err != nil {
		return err
	}
	s.c.store.UpdateIf(s.Key(), func(current any) (any, bool) {
		if IndexOf(Items[Team](current), teamID) < 0 {
			return current, false
		}
		return RemoveByID[Team](teamID)(current), true
	}, false)
	s.forget(teamID)
	return nil
}

// forget drops the cached keys of a team the user no longer sees.
func (s *TeamsService) forget(teamID string) {
	for _, key := range []Key{TeamKey(teamID), TeamMembersKey(teamID), JoinRequestsKey(teamID)} {
		if !s.c.store.Evict(key) {
			s.c.store.Set(key, nil, false)
		}
	}
}

// ── Members ─────────────────────────────────────────────

// member finds the membership of userID in teamID, from the cache first.
func (s *TeamsService) member(ctx context.Context, teamID, userID string) (TeamMember, bool, error) {
	find := func(members []TeamMember) (TeamMember, bool) {
		i := slices.IndexFunc(members, func(m TeamMember) bool { return m.UserID == userID })
		if i < 0 {
			return TeamMember{}, false
		}
		return members[i], true
	}
	if m, ok := find(s.Members(teamID)); ok {
		return m, true, nil
	}
	rows, err := s.members.FetchCollection(ctx, Query{Eq: map[string]string{"team_id": teamID, "user_id": userID}})
	if err != nil {
		return TeamMember{}, false, err
	}
	m, ok := find(rows)
	return m, ok, nil
}

func (s *TeamsService) RemoveMember(ctx context.Context, teamID, userID string) error {
	m, ok, err := s.member(ctx, teamID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("member %q of team %q: %w", userID, teamID, ErrNotFound)
	}
	return deleteEntity[TeamMember](ctx, s.c, TeamMembersKey(teamID), m.ID, func(ctx context.Context) error {
		return s.members.Delete(ctx, m.ID)
	})
}

func (s *TeamsService) UpdateMemberRole(ctx context.Context, teamID, userID string, role TeamRole) (TeamMember, error) {
	if role != RoleAdmin && role != RoleMember {
		return TeamMember{}, validationErrorf("role must be %q or %q", RoleAdmin, RoleMember)
	}
	m, ok, err := s.member(ctx, teamID, userID)
	if err != nil {
		return TeamMember{}, err
	}
	if !ok {
		return TeamMember{}, fmt.Errorf("member %q of team %q: %w", userID, teamID, ErrNotFound)
	}
	return updateEntity(ctx, s.c, TeamMembersKey(teamID), m.ID, func(m TeamMember) TeamMember {
		m.Role = role
		return m
	}, func(ctx context.Context) (TeamMember, error) {
		return s.members.Update(ctx, m.ID, map[string]any{"role": role})
	})
}

// addMember inserts a member of teamID. When the team's members are cached
// the new member shows until the server row lands.
func (s *TeamsService) addMember(ctx context.Context, teamID, userID string) (TeamMember, error) {
	now := s.c.timestamp()
	insert := func(ctx context.Context) (TeamMember, error) {
		return s.members.Create(ctx, map[string]any{
			"team_id":   teamID,
			"user_id":   userID,
			"role":      RoleMember,
			"joined_at": now.Format(time.RFC3339Nano),
		})
	}
	key := TeamMembersKey(teamID)
	if !s.c.store.Get(key).HasValue {
		return insert(ctx)
	}
	temp := TeamMember{ID: NewTempID(), TeamID: teamID, UserID: userID, Role: RoleMember, JoinedAt: now}
	return createEntity(ctx, s.c, key, temp, false, insert)
}

// ── Join requests ───────────────────────────────────────

// RequestToJoin files a join request for the team with the given invite code
// or id. A previous rejected request is replaced.
func (s *TeamsService) RequestToJoin(ctx context.Context, codeOrID string) (TeamJoinRequest, error) {
	uid, err := s.c.requireUser()
	if err != nil {
		return TeamJoinRequest{}, err
	}
	team, err := s.resolveTeam(ctx, strings.TrimSpace(codeOrID))
	if err != nil {
		return TeamJoinRequest{}, err
	}

	existing, err := s.requests.FetchCollection(ctx, Query{Eq: map[string]string{"team_id": team.ID, "user_id": uid}})
	if err != nil {
		return TeamJoinRequest{}, err
	}
	for _, r := range existing {
		if r.Status == StatusPending {
			return TeamJoinRequest{}, validationErrorf("a request to join this team is already pending")
		}
		if err := s.requests.Delete(ctx, r.ID); err != nil {
			return TeamJoinRequest{}, err
		}
	}
	if _, ok, err := s.member(ctx, team.ID, uid); err != nil {
		return TeamJoinRequest{}, err
	} else if ok {
		return TeamJoinRequest{}, validationErrorf("already a member of this team")
	}

	return s.requests.Create(ctx, map[string]any{
		"team_id": team.ID,
		"user_id": uid,
		"status":  StatusPending,
	})
}

// resolveTeam finds a team by invite code, then by id.
func (s *TeamsService) resolveTeam(ctx context.Context, codeOrID string) (Team, error) {
	if codeOrID == "" {
		return Team{}, validationErrorf("team code cannot be empty")
	}
	for _, col := range []string{"invite_code", "id"} {
		rows, err := s.teams.FetchCollection(ctx, Where(col, codeOrID))
		if err != nil {
			return Team{}, err
		}
		if len(rows) > 0 {
			return rows[0], nil
		}
	}
	return Team{}, validationErrorf("team not found, check the invite code")
}

// AcceptRequest admits the requester. The request leaves the pending list
// and the requester joins the members list before the server answers. A
// failed member insert rolls both back.
func (s *TeamsService) AcceptRequest(ctx context.Context, teamID, requestID string) error {
	return s.resolveRequest(ctx, teamID, requestID, true)
}

func (s *TeamsService) RejectRequest(ctx context.Context, teamID, requestID string) error {
	return s.resolveRequest(ctx, teamID, requestID, false)
}

func (s *TeamsService) resolveRequest(ctx context.Context, teamID, requestID string, accept bool) error {
	uid, err := s.c.requireUser()
	if err != nil {
		return err
	}
	req, err := s.request(ctx, teamID, requestID)
	if err != nil {
		return err
	}
	status := StatusRejected
	if accept {
		status = StatusAccepted
	}
	return deleteEntity[TeamJoinRequest](ctx, s.c, JoinRequestsKey(teamID), requestID, func(ctx context.Context) error {
		if accept {
			if _, err := s.addMember(ctx, teamID, req.UserID); err != nil {
				return err
			}
		}
		_, err := s.requests.Update(ctx, requestID, map[string]any{
			"status":      status,
			"resolved_by": uid,
			"resolved_at": s.c.timestamp().Format(time.RFC3339Nano),
		})
		return err
	})
}

func (s *TeamsService) request(ctx context.Context, teamID, requestID string) (TeamJoinRequest, error) {
	if i := IndexOf(s.JoinRequests(teamID), requestID); i >= 0 {
		return s.JoinRequests(teamID)[i], nil
	}
	rows, err := s.requests.FetchCollection(ctx, Where("id", requestID))
	if err != nil {
		return TeamJoinRequest{}, err
	}
	if len(rows) == 0 || rows[0].TeamID != teamID {
		return TeamJoinRequest{}, fmt.Errorf("join request %q: %w", requestID, ErrNotFound)
	}
	return rows[0], nil
}

// ── Invitations ─────────────────────────────────────────

// Invite invites userID to teamID. A previous resolved invitation is
// replaced.
func (s *TeamsService) Invite(ctx context.Context, teamID, userID string) (TeamInvitation, error) {
	uid, err := s.c.requireUser()
	if err != nil {
		return TeamInvitation{}, err
	}
	if userID == "" {
		return TeamInvitation{}, validationErrorf("invitee cannot be empty")
	}
	existing, err := s.invitations.FetchCollection(ctx, Query{Eq: map[string]string{"team_id": teamID, "invited_user_id": userID}})
	if err != nil {
		return TeamInvitation{}, err
	}
	for _, inv := range existing {
		if inv.Status == StatusPending {
			return TeamInvitation{}, validationErrorf("an invitation is already pending for this user")
		}
		if err := s.invitations.Delete(ctx, inv.ID); err != nil {
			return TeamInvitation{}, err
		}
	}
	return s.invitations.Create(ctx, map[string]any{
		"team_id":         teamID,
		"invited_user_id": userID,
		"invited_by":      uid,
		"status":          StatusPending,
	})
}

// AcceptInvitation joins the invitation's team. The invitation leaves the
// pending list and the user joins the team's members list at once.
func (s *TeamsService) AcceptInvitation(ctx context.Context, invitationID string) error {
	return s.resolveInvitation(ctx, invitationID, true)
}

func (s *TeamsService) DeclineInvitation(ctx context.Context, invitationID string) error {
	return s.resolveInvitation(ctx, invitationID, false)
}

func (s *TeamsService) resolveInvitation(ctx context.Context, invitationID string, accept bool) error {
	uid, err := s.c.requireUser()
	if err != nil {
		return err
	}
	inv, err := s.invitation(ctx, invitationID)
	if err != nil {
		return err
	}
	status := StatusRejected
	if accept {
		status = StatusAccepted
	}
	err = deleteEntity[TeamInvitation](ctx, s.c, InvitationsKey(), invitationID, func(ctx context.Context) error {
		if accept {
			_, ok, err := s.member(ctx, inv.TeamID, uid)
			if err != nil {
				return err
			}
			if !ok {
				if _, err := s.addMember(ctx, inv.TeamID, uid); err != nil {
					return err
				}
			}
		}
		_, err := s.invitations.Update(ctx, invitationID, map[string]any{
			"status":      status,
			"resolved_at": s.c.timestamp().Format(time.RFC3339Nano),
		})
		return err
	})
	if err == nil && accept {
		refreshIfLoaded(s.c, s.Key())
	}
	return err
}

func (s *TeamsService) invitation(ctx context.Context, id string) (TeamInvitation, error) {
	if i := IndexOf(s.Invitations(), id); i >= 0 {
		return s.Invitations()[i], nil
	}
	rows, err := s.invitations.FetchCollection(ctx, Where("id", id))
	if err != nil {
		return TeamInvitation{}, err
	}
	if len(rows) == 0 {
		return TeamInvitation{}, fmt.Errorf("invitation %q: %w", id, ErrNotFound)
	}
	return rows[0], nil
}

// Watch applies realtime changes to the user's invitations until ctx ends.
// An invitation resolved elsewhere leaves the pending list.
func (s *TeamsService) Watch(ctx context.Context) error {
	uid, err := s.c.requireUser()
	if err != nil {
		return err
	}
	pending := func(inv TeamInvitation) bool { return inv.Status == StatusPending }
	rec := NewCollectionReconciler[TeamInvitation](s.c.store, func(string) Key { return InvitationsKey() }, true).Filter(pending)
	return s.c.watch(ctx, FilterTopic(TableInvitations, "invited_user_id", uid), func(ev ChangeEvent) {
		var inv TeamInvitation
		if ev.Type == ChangeUpdate && ev.Decode(&inv) == nil && !pending(inv) {
			ev.Type = ChangeDelete
		}
		rec.Apply("", ev)
	})
}

func newInviteCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
