package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrConflict      = errors.New("storage: concurrent update conflict")
	ErrQuotaExceeded = errors.New("storage: daily quota exceeded")
	ErrWarmingUp     = errors.New("storage: target still warming up")
	ErrInvalidState  = errors.New("storage: invalid state transition")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string // sqlite file
	DSN         string // postgres connection string
	BusyTimeout time.Duration
	MaxConns    int32

	// Location is the calendar used for daily quota resets. Defaults to UTC.
	Location *time.Location
}

type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "active"
	WorkerCooldown WorkerStatus = "cooldown"
	WorkerBanned   WorkerStatus = "banned"
)

func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerActive, WorkerCooldown, WorkerBanned:
		return true
	}
	return false
}

type TargetStatus string

const (
	TargetNew           TargetStatus = "new"
	TargetJoined        TargetStatus = "joined"
	TargetActive        TargetStatus = "active"
	TargetError         TargetStatus = "error"
	TargetInaccessible  TargetStatus = "inaccessible"
	TargetNoWorkersLeft TargetStatus = "no_workers_left"
)

// Paired reports whether a target in this status holds a worker assignment.
func (s TargetStatus) Paired() bool { return s == TargetJoined || s == TargetActive }

// Requeueable reports whether an operator may send the target back to new.
func (s TargetStatus) Requeueable() bool {
	return s == TargetError || s == TargetInaccessible || s == TargetNoWorkersLeft
}

func (s TargetStatus) Valid() bool {
	switch s {
	case TargetNew, TargetJoined, TargetActive, TargetError, TargetInaccessible, TargetNoWorkersLeft:
		return true
	}
	return false
}

type ActionKind string

const (
	ActionJoin ActionKind = "join"
	ActionPost ActionKind = "post"
)

type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeForbidden   Outcome = "forbidden"
	OutcomeError       Outcome = "error"
)

// Worker is a reusable network identity.
type Worker struct {
	ID               int64
	CredentialsRef   string
	Status           WorkerStatus
	RateLimitUntil   *time.Time
	DailyActionCount int
	LastCounterReset time.Time
	CreatedAt        time.Time
}

// RateLimited reports whether the worker is still inside a provider backoff.
func (w Worker) RateLimited(now time.Time) bool {
	return w.RateLimitUntil != nil && now.Before(*w.RateLimitUntil)
}

// Target is a remote resource to join and post into.
type Target struct {
	ID               int64
	Address          string
	Niche            string
	Status           TargetStatus
	AssignedWorkerID *int64
	WarmUpUntil      *time.Time
	DailyPostCount   int
	LastCounterReset time.Time
	LastPostAt       *time.Time
	ErrorMessage     string
	Version          int64
	CreatedAt        time.Time
}

// BlockEntry is a permanent negative fact about a (worker, target) pair.
type BlockEntry struct {
	TargetID  int64
	WorkerID  int64
	Reason    string
	CreatedAt time.Time
}

// ActionRecord is one attempt in the append-only history.
type ActionRecord struct {
	ID       int64
	PassID   string
	WorkerID int64
	TargetID int64
	Kind     ActionKind
	Outcome  Outcome
	At       time.Time
	Detail   string
}

type WorkerFilter struct {
	Status WorkerStatus // empty = any
}

type TargetFilter struct {
	Status TargetStatus // empty = any
	Niche  string       // empty = any
	Limit  int
}

type ActionFilter struct {
	WorkerID int64
	TargetID int64
	Kind     ActionKind
	Outcome  Outcome
	Since    time.Time
	Limit    int
}

// AssignParams pairs a target with a worker after a successful join.
// ExpectedVersion must match the version the caller read.
type AssignParams struct {
	TargetID        int64
	WorkerID        int64
	ExpectedVersion int64
	JoinedAt        time.Time
	WarmUpUntil     time.Time
	PassID          string
	Detail          string
}

// PostParams records a successful post.
type PostParams struct {
	TargetID     int64
	WorkerID     int64
	At           time.Time
	PassID       string
	Detail       string
	PerTargetMax int
	PerWorkerMax int
}

// StatusParams changes a target's status, guarded by its version.
type StatusParams struct {
	TargetID        int64
	ExpectedVersion int64
	Status          TargetStatus
	Message         string
}

// StatusCounts summarizes the registry for operators.
type StatusCounts struct {
	Targets        map[TargetStatus]int
	Workers        map[WorkerStatus]int
	ActionsToday   map[Outcome]int
	BlocklistPairs int
}

// Store is the persistence API used by the engine.
type Store interface {
	AddWorker(ctx context.Context, credentialsRef string) (Worker, error)
	GetWorker(ctx context.Context, id int64) (Worker, error)
	ListWorkers(ctx context.Context, f WorkerFilter) ([]Worker, error)
	SetWorkerStatus(ctx context.Context, id int64, st WorkerStatus) error
	// SetWorkerRateLimit stamps rateLimitUntil; cooldown also moves the worker to cooldown.
	SetWorkerRateLimit(ctx context.Context, id int64, until time.Time, cooldown bool) error
	// ReactivateWorkers moves cooldown workers whose backoff elapsed back to active.
	ReactivateWorkers(ctx context.Context, now time.Time) (int, error)

	AddTarget(ctx context.Context, address, niche string) (Target, error)
	GetTarget(ctx context.Context, id int64) (Target, error)
	ListTargets(ctx context.Context, f TargetFilter) ([]Target, error)
	CountTargets(ctx context.Context, st TargetStatus) (int, error)
	// ListPostable returns paired targets past warm-up, ordered by last post (never-posted first).
	ListPostable(ctx context.Context, niche string, now time.Time) ([]Target, error)
	AssignTarget(ctx context.Context, p AssignParams) (Target, error)
	SetTargetStatus(ctx context.Context, p StatusParams) (Target, error)
	RecordPost(ctx context.Context, p PostParams) (Target, error)
	RequeueTarget(ctx context.Context, id int64) (Target, error)

	// AddBlock inserts the pair; it reports false when it already existed.
	AddBlock(ctx context.Context, e BlockEntry) (bool, error)
	BlockedWorkers(ctx context.Context, targetID int64) (map[int64]struct{}, error)

	AppendAction(ctx context.Context, r ActionRecord) (ActionRecord, error)
	ListActions(ctx context.Context, f ActionFilter) ([]ActionRecord, error)

	// MarkSlot records a processed daily slot; it reports false when already marked.
	MarkSlot(ctx context.Context, day, slot string, at time.Time) (bool, error)
	SlotDone(ctx context.Context, day, slot string) (bool, error)

	Counts(ctx context.Context, now time.Time) (StatusCounts, error)
	Ping(ctx context.Context) error
	Close() error
}
