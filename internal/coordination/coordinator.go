package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend errors the coordinator reacts to. Backends wrap them so that
// errors.Is matches.
var (
	ErrGroupNotCreated     = errors.New("coordination: group not created")
	ErrGroupAlreadyExists  = errors.New("coordination: group already exists")
	ErrMemberAlreadyExists = errors.New("coordination: member already exists")
	// ErrNonRetryable marks backend failures that retrying cannot fix
	// (bad credentials, schema missing). JoinGroup gives up on them.
	ErrNonRetryable = errors.New("coordination: non-retryable backend error")
)

// extractAttempts bounds ExtractMySubset retries on MemberNotInGroupError.
const extractAttempts = 5

// extractMaxWait is the upper bound of the random pause between those retries.
const extractMaxWait = 2 * time.Second

// maxGroupNotCreatedRetries bounds the re-join loop inside getMembers.
const maxGroupNotCreatedRetries = 3

// MemberNotInGroupError is returned by ExtractMySubset when this worker is
// still missing from the group after re-joining.
type MemberNotInGroupError struct {
	GroupID  string
	Members  []string
	MemberID string
}

func (e *MemberNotInGroupError) Error() string {
	return fmt.Sprintf("coordination: member %s not in group %s (members: %v)", e.MemberID, e.GroupID, e.Members)
}

// Backend is the group-membership store shared by the fleet.
type Backend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsStarted() bool
	CreateGroup(ctx context.Context, groupID string) error
	JoinGroup(ctx context.Context, groupID, memberID string) error
	LeaveGroup(ctx context.Context, groupID, memberID string) error
	GetMembers(ctx context.Context, groupID string) ([]string, error)
	Heartbeat(ctx context.Context, memberID string) error
}

// CoordinatorConfig holds the configuration for creating a PartitionCoordinator.
type CoordinatorConfig struct {
	// MemberID identifies this worker. Defaults to a random UUID.
	MemberID string
	// RetryBackoff is the base of the exponential JoinGroup backoff.
	RetryBackoff time.Duration
	// MaxRetryInterval caps a single JoinGroup backoff step.
	MaxRetryInterval time.Duration
	Logger           *slog.Logger

	// sleep and jitter are overridden in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// PartitionCoordinator maintains this worker's group memberships and
// computes which part of a candidate set it owns.
//
// With a nil Backend the coordinator runs in singleton mode: it never joins
// anything and ExtractMySubset returns its input unchanged.
type PartitionCoordinator struct {
	backend          Backend
	memberID         string
	retryBackoff     time.Duration
	maxRetryInterval time.Duration
	logger           *slog.Logger
	sleep            func(ctx context.Context, d time.Duration) error
	jitter           func(max time.Duration) time.Duration

	mu      sync.Mutex
	started bool
	groups  map[string]struct{}
}

// NewPartitionCoordinator creates a coordinator. backend may be nil.
func NewPartitionCoordinator(backend Backend, cfg CoordinatorConfig) *PartitionCoordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	memberID := cfg.MemberID
	if memberID == "" {
		memberID = uuid.NewString()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 30 * time.Second
	}
	c := &PartitionCoordinator{
		backend:          backend,
		memberID:         memberID,
		retryBackoff:     cfg.RetryBackoff,
		maxRetryInterval: cfg.MaxRetryInterval,
		logger:           logger.With("member_id", memberID),
		sleep:            cfg.sleep,
		jitter:           cfg.jitter,
		groups:           make(map[string]struct{}),
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.jitter == nil {
		c.jitter = func(max time.Duration) time.Duration {
			return time.Duration(rand.Int64N(int64(max)))
		}
	}
	return c
}

// MemberID returns this worker's identity in every group.
func (c *PartitionCoordinator) MemberID() string { return c.memberID }

// IsActive reports whether a backend is configured and Start has been called.
// An active coordinator whose backend failed to start is degraded: it
// partitions nothing until a heartbeat manages to reconnect.
func (c *PartitionCoordinator) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend != nil && c.started
}

// Start connects to the backend. Failures are logged, never returned.
func (c *PartitionCoordinator) Start(ctx context.Context) {
	if c.backend == nil {
		return
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	if c.backend.IsStarted() {
		return
	}
	if err := c.backend.Start(ctx); err != nil {
		c.logger.ErrorContext(ctx, "error connecting to coordination backend", "error", err)
		return
	}
	c.logger.InfoContext(ctx, "coordination backend started")
}

// Stop leaves every joined group and disconnects. Safe to call repeatedly.
func (c *PartitionCoordinator) Stop(ctx context.Context) {
	if !c.IsActive() {
		return
	}
	for _, g := range c.joinedGroups() {
		c.LeaveGroup(ctx, g)
	}
	if err := c.backend.Stop(ctx); err != nil {
		c.logger.ErrorContext(ctx, "error stopping coordination backend", "error", err)
	}
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
}

// Heartbeat renews this worker's lease, reconnecting first if needed.
func (c *PartitionCoordinator) Heartbeat(ctx context.Context) {
	if !c.IsActive() {
		return
	}
	if !c.backend.IsStarted() {
		if err := c.backend.Start(ctx); err != nil {
			c.logger.ErrorContext(ctx, "error reconnecting to coordination backend", "error", err)
			return
		}
		c.logger.InfoContext(ctx, "coordination backend reconnected")
	}
	if err := c.backend.Heartbeat(ctx, c.memberID); err != nil {
		c.logger.ErrorContext(ctx, "error sending a heartbeat to coordination backend", "error", err)
	}
}

// JoinGroup joins groupID, creating the group when it does not exist yet.
// Transient backend errors are retried with exponential backoff; it returns
// early only for ErrNonRetryable errors or context cancellation.
func (c *PartitionCoordinator) JoinGroup(ctx context.Context, groupID string) error {
	if !c.IsActive() || !c.backend.IsStarted() || groupID == "" {
		return nil
	}
	for attempt := 0; ; attempt++ {
		err := c.tryJoin(ctx, groupID)
		if err == nil {
			c.mu.Lock()
			c.groups[groupID] = struct{}{}
			c.mu.Unlock()
			return nil
		}
		if errors.Is(err, ErrNonRetryable) {
			return err
		}
		if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
			return fmt.Errorf("joining group %s: %w", groupID, err)
		}
	}
}

func (c *PartitionCoordinator) tryJoin(ctx context.Context, groupID string) error {
	err := c.backend.JoinGroup(ctx, groupID, c.memberID)
	switch {
	case err == nil:
		c.logger.InfoContext(ctx, "joined partitioning group", "group_id", groupID)
		return nil
	case errors.Is(err, ErrMemberAlreadyExists):
		return nil
	case errors.Is(err, ErrGroupNotCreated):
		if cerr := c.backend.CreateGroup(ctx, groupID); cerr != nil && !errors.Is(cerr, ErrGroupAlreadyExists) {
			c.logger.WarnContext(ctx, "error creating partitioning group", "group_id", groupID, "error", cerr)
		}
		return err
	case errors.Is(err, ErrNonRetryable):
		c.logger.ErrorContext(ctx, "giving up joining partitioning group", "group_id", groupID, "error", err)
		return err
	default:
		c.logger.ErrorContext(ctx, "error joining partitioning group, retrying", "group_id", groupID, "error", err)
		return err
	}
}

// backoff returns RetryBackoff * 2^attempt capped at MaxRetryInterval.
func (c *PartitionCoordinator) backoff(attempt int) time.Duration {
	d := float64(c.retryBackoff) * math.Pow(2, float64(attempt))
	if d > float64(c.maxRetryInterval) {
		return c.maxRetryInterval
	}
	return time.Duration(d)
}

// LeaveGroup leaves groupID if this worker joined it.
func (c *PartitionCoordinator) LeaveGroup(ctx context.Context, groupID string) {
	c.mu.Lock()
	_, joined := c.groups[groupID]
	delete(c.groups, groupID)
	c.mu.Unlock()
	if !joined || c.backend == nil {
		return
	}
	if err := c.backend.LeaveGroup(ctx, groupID, c.memberID); err != nil {
		c.logger.ErrorContext(ctx, "error leaving partitioning group", "group_id", groupID, "error", err)
		return
	}
	c.logger.InfoContext(ctx, "left partitioning group", "group_id", groupID)
}

// ExtractMySubset returns the elements of universe owned by this worker.
//
// Singleton mode (no backend) and an empty groupID return universe as-is.
// A backend failure yields an empty subset and a nil error so that the
// cycle is skipped rather than double-evaluated. Only a persistent
// MemberNotInGroupError, after retries, is returned to the caller.
func (c *PartitionCoordinator) ExtractMySubset(ctx context.Context, groupID string, universe []string) ([]string, error) {
	if c.backend == nil || groupID == "" {
		return universe, nil
	}
	var lastErr error
	for attempt := 0; attempt < extractAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.jitter(extractMaxWait)); err != nil {
				return nil, err
			}
		}
		subset, err := c.extractOnce(ctx, groupID, universe)
		var notMember *MemberNotInGroupError
		if errors.As(err, &notMember) {
			lastErr = err
			continue
		}
		if err != nil {
			c.logger.ErrorContext(ctx, "error getting group membership info from coordination backend",
				"group_id", groupID,
				"error", err,
			)
			return []string{}, nil
		}
		return subset, nil
	}
	return nil, lastErr
}

func (c *PartitionCoordinator) extractOnce(ctx context.Context, groupID string, universe []string) ([]string, error) {
	if !c.hasJoined(groupID) {
		if err := c.JoinGroup(ctx, groupID); err != nil {
			return nil, err
		}
	}
	members, err := c.getMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !contains(members, c.memberID) {
		c.logger.WarnContext(ctx, "cannot extract tasks because agent failed to join group properly, rejoining",
			"group_id", groupID,
		)
		if err := c.JoinGroup(ctx, groupID); err != nil {
			return nil, err
		}
		members, err = c.getMembers(ctx, groupID)
		if err != nil {
			return nil, err
		}
		if !contains(members, c.memberID) {
			return nil, &MemberNotInGroupError{GroupID: groupID, Members: members, MemberID: c.memberID}
		}
	}
	c.logger.DebugContext(ctx, "group members", "group_id", groupID, "members", members)

	ring := NewHashRing(members, DefaultReplicas)
	mine := make([]string, 0, len(universe)/max(len(members), 1)+1)
	for _, v := range universe {
		if node, ok := ring.GetNode(v); ok && node == c.memberID {
			mine = append(mine, v)
		}
	}
	c.logger.DebugContext(ctx, "extracted subset", "group_id", groupID, "universe", len(universe), "mine", len(mine))
	return mine, nil
}

func (c *PartitionCoordinator) getMembers(ctx context.Context, groupID string) ([]string, error) {
	if !c.backend.IsStarted() {
		return nil, errors.New("coordination backend not started")
	}
	for i := 0; ; i++ {
		members, err := c.backend.GetMembers(ctx, groupID)
		if err == nil {
			return members, nil
		}
		if !errors.Is(err, ErrGroupNotCreated) || i >= maxGroupNotCreatedRetries {
			return nil, err
		}
		if err := c.JoinGroup(ctx, groupID); err != nil {
			return nil, err
		}
	}
}

func (c *PartitionCoordinator) hasJoined(groupID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[groupID]
	return ok
}

func (c *PartitionCoordinator) joinedGroups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
