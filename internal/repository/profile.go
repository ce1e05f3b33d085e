package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/model"
	"github.com/travelops/internal/storage"
)

const profileCols = `id, full_name, email, role, is_admin, is_active, created_at`

// ProfileRepository reads profiles, groups and trip assignments. These
// tables are owned by the admin screens; the messaging core only reads them.
type ProfileRepository struct {
	pool *pgxpool.Pool
}

var _ storage.ProfileStore = (*ProfileRepository)(nil)

func NewProfileRepository(pool *pgxpool.Pool) *ProfileRepository {
	return &ProfileRepository{pool: pool}
}

func scanProfile(s scanner, p *model.Profile) error {
	return s.Scan(&p.ID, &p.FullName, &p.Email, &p.Role, &p.IsAdmin, &p.IsActive, &p.CreatedAt)
}

func (r *ProfileRepository) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	defer logger.DeferLogDuration("profile.GetProfile", time.Now())()
	p := &model.Profile{}
	row := r.pool.QueryRow(ctx, `SELECT `+profileCols+` FROM profiles WHERE id = $1`, id)
	if err := scanProfile(row, p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("profileRepo.GetProfile: %w", err)
	}
	return p, nil
}

func (r *ProfileRepository) listProfiles(ctx context.Context, op, where string, args ...any) ([]model.Profile, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+profileCols+` FROM profiles WHERE `+where+` ORDER BY full_name, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("profileRepo.%s query: %w", op, err)
	}
	defer rows.Close()

	profiles := make([]model.Profile, 0, 32)
	for rows.Next() {
		var p model.Profile
		if err := scanProfile(rows, &p); err != nil {
			return nil, fmt.Errorf("profileRepo.%s scan: %w", op, err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profileRepo.%s rows: %w", op, err)
	}
	return profiles, nil
}

// ActiveAdmins returns every active profile with admin rights, including
// guides flagged is_admin.
func (r *ProfileRepository) ActiveAdmins(ctx context.Context) ([]model.Profile, error) {
	defer logger.DeferLogDuration("profile.ActiveAdmins", time.Now())()
	return r.listProfiles(ctx, "ActiveAdmins", `is_active AND (role = 'admin' OR is_admin)`)
}

func (r *ProfileRepository) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	defer logger.DeferLogDuration("profile.GetGroup", time.Now())()
	g := &model.Group{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, is_active FROM groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.Name, &g.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profileRepo.GetGroup: %w", err)
	}
	rows, err := r.pool.Query(ctx,
		`SELECT tourist_id FROM group_members WHERE group_id = $1 ORDER BY tourist_id`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("profileRepo.GetGroup members query: %w", err)
	}
	g.MemberIDs, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("profileRepo.GetGroup members rows: %w", err)
	}
	return g, nil
}

func (r *ProfileRepository) LoadRoster(ctx context.Context, guideID string) (*model.Roster, error) {
	defer logger.DeferLogDuration("profile.LoadRoster", time.Now())()
	roster := &model.Roster{}
	var err error
	if roster.Tourists, err = r.listProfiles(ctx, "LoadRoster tourists", `is_active AND role = 'tourist'`); err != nil {
		return nil, err
	}
	if roster.Admins, err = r.ActiveAdmins(ctx); err != nil {
		return nil, err
	}
	if roster.Groups, err = r.activeGroups(ctx); err != nil {
		return nil, err
	}
	if guideID != "" {
		if roster.Assignments, err = r.activeAssignments(ctx, guideID); err != nil {
			return nil, err
		}
	}
	return roster, nil
}

func (r *ProfileRepository) activeGroups(ctx context.Context) ([]model.Group, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT g.id, g.name, g.is_active, COALESCE(array_agg(gm.tourist_id ORDER BY gm.tourist_id) FILTER (WHERE gm.tourist_id IS NOT NULL), '{}')
		 FROM groups g
		 LEFT JOIN group_members gm ON gm.group_id = g.id
		 WHERE g.is_active
		 GROUP BY g.id
		 ORDER BY g.name, g.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("profileRepo.activeGroups query: %w", err)
	}
	defer rows.Close()

	groups := make([]model.Group, 0, 16)
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.IsActive, &g.MemberIDs); err != nil {
			return nil, fmt.Errorf("profileRepo.activeGroups scan: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profileRepo.activeGroups rows: %w", err)
	}
	return groups, nil
}

// activeAssignments resolves assignment -> trip -> group for one guide.
func (r *ProfileRepository) activeAssignments(ctx context.Context, guideID string) ([]model.Assignment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ta.guide_id, t.id, t.group_id
		 FROM trip_assignments ta
		 JOIN trips t ON t.id = ta.trip_id
		 WHERE ta.guide_id = $1 AND ta.is_active AND t.group_id IS NOT NULL`, guideID,
	)
	if err != nil {
		return nil, fmt.Errorf("profileRepo.activeAssignments query: %w", err)
	}
	defer rows.Close()

	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.GuideID, &a.TripID, &a.GroupID); err != nil {
			return nil, fmt.Errorf("profileRepo.activeAssignments scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profileRepo.activeAssignments rows: %w", err)
	}
	return out, nil
}
