package db

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"alarmeval/internal/coordination"
	"alarmeval/internal/types"
)

// MembershipRepository is a PostgreSQL coordination backend. Membership is
// a lease: each row carries an expires_at that Heartbeat pushes forward, and
// members whose lease lapsed are invisible to GetMembers. A worker that dies
// without leaving therefore drops out of the ring after one lease TTL.
//
//	coordination_groups(group_id PK, created_at)
//	coordination_members(group_id, member_id, joined_at, expires_at,
//	                     PRIMARY KEY (group_id, member_id))
type MembershipRepository struct {
	db       DBTX
	leaseTTL time.Duration
	started  atomic.Bool
}

var _ coordination.Backend = (*MembershipRepository)(nil)

// NewMembershipRepository creates a backend whose leases last leaseTTL.
func NewMembershipRepository(db DBTX, leaseTTL time.Duration) *MembershipRepository {
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	return &MembershipRepository{db: db, leaseTTL: leaseTTL}
}

func coordinationErr(msg string, err error) error {
	return types.NewAppError(types.ErrCodeUpstreamCoordination, msg, err)
}

// Start probes the database. The backend reports started only after a
// successful probe.
func (r *MembershipRepository) Start(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return coordinationErr("coordination backend unreachable", err)
	}
	r.started.Store(true)
	return nil
}

// Stop marks the backend stopped. The pool is owned by the caller.
func (r *MembershipRepository) Stop(_ context.Context) error {
	r.started.Store(false)
	return nil
}

func (r *MembershipRepository) IsStarted() bool {
	return r.started.Load()
}

// CreateGroup creates groupID, failing with ErrGroupAlreadyExists if another
// worker got there first.
func (r *MembershipRepository) CreateGroup(ctx context.Context, groupID string) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO coordination_groups (group_id, created_at)
		 VALUES ($1, NOW())
		 ON CONFLICT (group_id) DO NOTHING`,
		groupID,
	)
	if err != nil {
		return coordinationErr("failed to create coordination group", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("group %s: %w", groupID, coordination.ErrGroupAlreadyExists)
	}
	return nil
}

// JoinGroup inserts a lease for memberID. An expired lease of the same
// member is taken over; a live one yields ErrMemberAlreadyExists.
func (r *MembershipRepository) JoinGroup(ctx context.Context, groupID, memberID string) error {
	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM coordination_groups WHERE group_id = $1)`,
		groupID,
	).Scan(&exists); err != nil {
		return coordinationErr("failed to look up coordination group", err)
	}
	if !exists {
		return fmt.Errorf("group %s: %w", groupID, coordination.ErrGroupNotCreated)
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO coordination_members (group_id, member_id, joined_at, expires_at)
		 VALUES ($1, $2, NOW(), NOW() + $3 * INTERVAL '1 second')
		 ON CONFLICT (group_id, member_id) DO UPDATE
		   SET joined_at = NOW(), expires_at = NOW() + $3 * INTERVAL '1 second'
		   WHERE coordination_members.expires_at < NOW()`,
		groupID, memberID, r.leaseTTL.Seconds(),
	)
	if err != nil {
		return coordinationErr("failed to join coordination group", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("member %s in group %s: %w", memberID, groupID, coordination.ErrMemberAlreadyExists)
	}
	return nil
}

// LeaveGroup removes the lease. Leaving a group one is not part of is a no-op.
func (r *MembershipRepository) LeaveGroup(ctx context.Context, groupID, memberID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM coordination_members WHERE group_id = $1 AND member_id = $2`,
		groupID, memberID,
	)
	if err != nil {
		return coordinationErr("failed to leave coordination group", err)
	}
	return nil
}

// GetMembers returns the members of groupID holding a live lease, sorted.
func (r *MembershipRepository) GetMembers(ctx context.Context, groupID string) ([]string, error) {
	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM coordination_groups WHERE group_id = $1)`,
		groupID,
	).Scan(&exists); err != nil {
		return nil, coordinationErr("failed to look up coordination group", err)
	}
	if !exists {
		return nil, fmt.Errorf("group %s: %w", groupID, coordination.ErrGroupNotCreated)
	}

	rows, err := r.db.Query(ctx,
		`SELECT member_id FROM coordination_members
		 WHERE group_id = $1 AND expires_at > NOW()
		 ORDER BY member_id`,
		groupID,
	)
	if err != nil {
		return nil, coordinationErr("failed to list coordination members", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, coordinationErr("failed to scan coordination member", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, coordinationErr("error iterating coordination members", err)
	}
	return members, nil
}

// Heartbeat extends every lease held by memberID.
func (r *MembershipRepository) Heartbeat(ctx context.Context, memberID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE coordination_members
		 SET expires_at = NOW() + $2 * INTERVAL '1 second'
		 WHERE member_id = $1`,
		memberID, r.leaseTTL.Seconds(),
	)
	if err != nil {
		return coordinationErr("failed to renew coordination lease", err)
	}
	return nil
}
