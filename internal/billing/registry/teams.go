package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateTeam inserts a team.
func (r *Registry) CreateTeam(ctx context.Context, t *Team) error {
	if t == nil {
		return fmt.Errorf("team is nil")
	}
	if t.ID == "" {
		t.ID = NewID("team")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO teams (id, name, max_members, max_agents, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, int64(t.MaxMembers), int64(t.MaxAgents), boolToInt(t.IsActive), t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create team: %w", err)
	}
	return nil
}

// GetTeam retrieves a team by ID.
func (r *Registry) GetTeam(ctx context.Context, id string) (*Team, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, max_members, max_agents, is_active, created_at
		FROM teams WHERE id = ?`, id)

	var t Team
	var maxMembers, maxAgents int64
	var active int
	var createdAt int64
	if err := row.Scan(&t.ID, &t.Name, &maxMembers, &maxAgents, &active, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan team: %w", err)
	}
	t.MaxMembers = normalizeLimit(maxMembers)
	t.MaxAgents = normalizeLimit(maxAgents)
	t.IsActive = active != 0
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &t, nil
}

// SetTeamMember inserts or updates a membership.
func (r *Registry) SetTeamMember(ctx context.Context, teamID, userID string, status MemberStatus) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO team_members (team_id, user_id, status, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(team_id, user_id) DO UPDATE SET status = excluded.status`,
		teamID, userID, string(status), r.now().Unix())
	if err != nil {
		return fmt.Errorf("set team member: %w", err)
	}
	return nil
}

// CountTeamSeats counts active and invited members of a team.
func (r *Registry) CountTeamSeats(ctx context.Context, teamID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM team_members WHERE team_id = ? AND status IN (?, ?)`,
		teamID, string(MemberStatusActive), string(MemberStatusInvited)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count team seats: %w", err)
	}
	return n, nil
}

// CountActiveMemberships counts the active teams userID belongs to.
func (r *Registry) CountActiveMemberships(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM team_members m
		JOIN teams t ON t.id = m.team_id
		WHERE m.user_id = ? AND m.status = ? AND t.is_active = 1`,
		userID, string(MemberStatusActive)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memberships: %w", err)
	}
	return n, nil
}
