package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pewcast/internal/quota"
	logx "pewcast/pkg/logx"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

// dialect captures the few differences between the SQL backends.
type dialect struct {
	name      string
	forUpdate string
	numbered  bool // $1, $2 placeholders instead of ?
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", forUpdate: " FOR UPDATE", numbered: true}
)

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

const (
	workerCols = `id, credentials_ref, status, rate_limit_until, daily_action_count, last_counter_reset, created_at`
	targetCols = `id, address, niche, status, assigned_worker_id, warm_up_until, daily_post_count, last_counter_reset, last_post_at, error_message, version, created_at`
	actionCols = `id, pass_id, worker_id, target_id, kind, outcome, at, detail`
)

type sqlStore struct {
	db      *sql.DB
	d       dialect
	loc     *time.Location
	log     logx.Logger
	onClose func()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func newSQLStore(db *sql.DB, d dialect, loc *time.Location, log logx.Logger) *sqlStore {
	if loc == nil {
		loc = time.UTC
	}
	return &sqlStore{db: db, d: d, loc: loc, log: log}
}

func (s *sqlStore) migrate(ctx context.Context, file string) error {
	b, err := migrationsFS.ReadFile(file)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

func (s *sqlStore) q(query string) string { return s.d.rebind(query) }

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---- time helpers (unix millis on disk) ----

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func ptrMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// ---- scanning ----

func scanWorker(r rowScanner) (Worker, error) {
	var (
		w       Worker
		status  string
		rl      sql.NullInt64
		reset   int64
		created int64
	)
	if err := r.Scan(&w.ID, &w.CredentialsRef, &status, &rl, &w.DailyActionCount, &reset, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Worker{}, ErrNotFound
		}
		return Worker{}, err
	}
	w.Status = WorkerStatus(status)
	w.RateLimitUntil = ptrMillis(rl)
	w.LastCounterReset = fromMillis(reset)
	w.CreatedAt = fromMillis(created)
	return w, nil
}

func scanTarget(r rowScanner) (Target, error) {
	var (
		t        Target
		status   string
		assigned sql.NullInt64
		warm     sql.NullInt64
		reset    int64
		lastPost sql.NullInt64
		msg      sql.NullString
		created  int64
	)
	if err := r.Scan(&t.ID, &t.Address, &t.Niche, &status, &assigned, &warm, &t.DailyPostCount, &reset, &lastPost, &msg, &t.Version, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Target{}, ErrNotFound
		}
		return Target{}, err
	}
	t.Status = TargetStatus(status)
	if assigned.Valid {
		id := assigned.Int64
		t.AssignedWorkerID = &id
	}
	t.WarmUpUntil = ptrMillis(warm)
	t.LastCounterReset = fromMillis(reset)
	t.LastPostAt = ptrMillis(lastPost)
	t.ErrorMessage = msg.String
	t.CreatedAt = fromMillis(created)
	return t, nil
}

func scanAction(r rowScanner) (ActionRecord, error) {
	var (
		a       ActionRecord
		kind    string
		outcome string
		at      int64
	)
	if err := r.Scan(&a.ID, &a.PassID, &a.WorkerID, &a.TargetID, &kind, &outcome, &at, &a.Detail); err != nil {
		return ActionRecord{}, err
	}
	a.Kind = ActionKind(kind)
	a.Outcome = Outcome(outcome)
	a.At = fromMillis(at)
	return a, nil
}

// ---- workers ----

func (s *sqlStore) AddWorker(ctx context.Context, credentialsRef string) (Worker, error) {
	ref := strings.TrimSpace(credentialsRef)
	if ref == "" {
		return Worker{}, errors.New("storage: credentials ref is required")
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO workers(credentials_ref, status, daily_action_count, last_counter_reset, created_at)
		 VALUES(?, ?, 0, 0, ?) RETURNING id`),
		ref, string(WorkerActive), time.Now().UnixMilli(),
	).Scan(&id)
	if err != nil {
		return Worker{}, fmt.Errorf("add worker: %w", err)
	}
	return s.GetWorker(ctx, id)
}

func (s *sqlStore) GetWorker(ctx context.Context, id int64) (Worker, error) {
	return getWorker(ctx, s.db, s, id, false)
}

func getWorker(ctx context.Context, q queryer, s *sqlStore, id int64, lock bool) (Worker, error) {
	query := `SELECT ` + workerCols + ` FROM workers WHERE id = ?`
	if lock {
		query += s.d.forUpdate
	}
	return scanWorker(q.QueryRowContext(ctx, s.q(query), id))
}

func (s *sqlStore) ListWorkers(ctx context.Context, f WorkerFilter) ([]Worker, error) {
	query := `SELECT ` + workerCols + ` FROM workers`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetWorkerStatus(ctx context.Context, id int64, st WorkerStatus) error {
	if !st.Valid() {
		return fmt.Errorf("storage: invalid worker status %q", st)
	}
	query := `UPDATE workers SET status = ? WHERE id = ?`
	if st == WorkerActive {
		// an operator reset also lifts any pending backoff
		query = `UPDATE workers SET status = ?, rate_limit_until = NULL WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, s.q(query), string(st), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqlStore) SetWorkerRateLimit(ctx context.Context, id int64, until time.Time, cooldown bool) error {
	query := `UPDATE workers SET rate_limit_until = ? WHERE id = ? AND status <> ?`
	args := []any{until.UnixMilli(), id, string(WorkerBanned)}
	if cooldown {
		query = `UPDATE workers SET rate_limit_until = ?, status = ? WHERE id = ? AND status <> ?`
		args = []any{until.UnixMilli(), string(WorkerCooldown), id, string(WorkerBanned)}
	}
	_, err := s.db.ExecContext(ctx, s.q(query), args...)
	return err
}

func (s *sqlStore) ReactivateWorkers(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE workers SET status = ?, rate_limit_until = NULL
		 WHERE status = ? AND rate_limit_until IS NOT NULL AND rate_limit_until <= ?`),
		string(WorkerActive), string(WorkerCooldown), now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- targets ----

func (s *sqlStore) AddTarget(ctx context.Context, address, niche string) (Target, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return Target{}, errors.New("storage: target address is required")
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO targets(address, niche, status, daily_post_count, last_counter_reset, version, created_at)
		 VALUES(?, ?, ?, 0, 0, 0, ?) RETURNING id`),
		addr, strings.TrimSpace(niche), string(TargetNew), time.Now().UnixMilli(),
	).Scan(&id)
	if err != nil {
		return Target{}, fmt.Errorf("add target: %w", err)
	}
	return s.GetTarget(ctx, id)
}

func (s *sqlStore) GetTarget(ctx context.Context, id int64) (Target, error) {
	return getTarget(ctx, s.db, s, id, false)
}

func getTarget(ctx context.Context, q queryer, s *sqlStore, id int64, lock bool) (Target, error) {
	query := `SELECT ` + targetCols + ` FROM targets WHERE id = ?`
	if lock {
		query += s.d.forUpdate
	}
	return scanTarget(q.QueryRowContext(ctx, s.q(query), id))
}

func (s *sqlStore) ListTargets(ctx context.Context, f TargetFilter) ([]Target, error) {
	query := `SELECT ` + targetCols + ` FROM targets WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Niche != "" {
		query += ` AND niche = ?`
		args = append(args, f.Niche)
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryTargets(ctx, query, args...)
}

func (s *sqlStore) queryTargets(ctx context.Context, query string, args ...any) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountTargets(ctx context.Context, st TargetStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM targets WHERE status = ?`), string(st)).Scan(&n)
	return n, err
}

func (s *sqlStore) ListPostable(ctx context.Context, niche string, now time.Time) ([]Target, error) {
	query := `SELECT ` + targetCols + ` FROM targets
		WHERE status IN (?, ?) AND warm_up_until IS NOT NULL AND warm_up_until <= ?`
	args := []any{string(TargetJoined), string(TargetActive), now.UnixMilli()}
	if niche != "" {
		query += ` AND niche = ?`
		args = append(args, niche)
	}
	query += ` ORDER BY (last_post_at IS NOT NULL), last_post_at, id`
	return s.queryTargets(ctx, query, args...)
}

func (s *sqlStore) AssignTarget(ctx context.Context, p AssignParams) (Target, error) {
	var out Target
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTarget(ctx, tx, s, p.TargetID, true)
		if err != nil {
			return err
		}
		if t.Version != p.ExpectedVersion || t.Status != TargetNew {
			return fmt.Errorf("assign target %d: %w", p.TargetID, ErrConflict)
		}
		w, err := getWorker(ctx, tx, s, p.WorkerID, true)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE targets SET status = ?, assigned_worker_id = ?, warm_up_until = ?, error_message = NULL, version = version + 1
			 WHERE id = ? AND version = ?`),
			string(TargetJoined), p.WorkerID, p.WarmUpUntil.UnixMilli(), p.TargetID, p.ExpectedVersion,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("assign target %d: %w", p.TargetID, ErrConflict)
		}

		reset, count := quota.ResetIfNewDay(s.loc, p.JoinedAt, w.LastCounterReset, w.DailyActionCount)
		if err := s.bumpWorker(ctx, tx, w.ID, reset, count+1); err != nil {
			return err
		}
		if _, err := s.insertAction(ctx, tx, ActionRecord{
			PassID: p.PassID, WorkerID: p.WorkerID, TargetID: p.TargetID,
			Kind: ActionJoin, Outcome: OutcomeSuccess, At: p.JoinedAt, Detail: p.Detail,
		}); err != nil {
			return err
		}

		out, err = getTarget(ctx, tx, s, p.TargetID, false)
		return err
	})
	return out, err
}

func (s *sqlStore) SetTargetStatus(ctx context.Context, p StatusParams) (Target, error) {
	if !p.Status.Valid() {
		return Target{}, fmt.Errorf("storage: invalid target status %q", p.Status)
	}
	var out Target
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE targets SET status = ?, error_message = ?, version = version + 1
			 WHERE id = ? AND version = ?`),
			string(p.Status), nullStr(p.Message), p.TargetID, p.ExpectedVersion,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			if _, err := getTarget(ctx, tx, s, p.TargetID, false); err != nil {
				return err
			}
			return fmt.Errorf("set status of target %d: %w", p.TargetID, ErrConflict)
		}
		out, err = getTarget(ctx, tx, s, p.TargetID, false)
		return err
	})
	return out, err
}

func (s *sqlStore) RecordPost(ctx context.Context, p PostParams) (Target, error) {
	var out Target
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTarget(ctx, tx, s, p.TargetID, true)
		if err != nil {
			return err
		}
		if !t.Status.Paired() {
			return fmt.Errorf("record post on %s target %d: %w", t.Status, t.ID, ErrInvalidState)
		}
		if t.WarmUpUntil == nil || p.At.Before(*t.WarmUpUntil) {
			return fmt.Errorf("record post on target %d: %w", t.ID, ErrWarmingUp)
		}
		w, err := getWorker(ctx, tx, s, p.WorkerID, true)
		if err != nil {
			return err
		}

		tReset, tCount := quota.ResetIfNewDay(s.loc, p.At, t.LastCounterReset, t.DailyPostCount)
		if p.PerTargetMax > 0 && tCount >= p.PerTargetMax {
			return fmt.Errorf("target %d posted %d today: %w", t.ID, tCount, ErrQuotaExceeded)
		}
		wReset, wCount := quota.ResetIfNewDay(s.loc, p.At, w.LastCounterReset, w.DailyActionCount)
		if p.PerWorkerMax > 0 && wCount >= p.PerWorkerMax {
			return fmt.Errorf("worker %d acted %d times today: %w", w.ID, wCount, ErrQuotaExceeded)
		}

		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE targets SET status = ?, assigned_worker_id = ?, daily_post_count = ?, last_counter_reset = ?,
			   last_post_at = ?, error_message = NULL, version = version + 1
			 WHERE id = ? AND version = ?`),
			string(TargetActive), p.WorkerID, tCount+1, toMillis(tReset), p.At.UnixMilli(), t.ID, t.Version,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("record post on target %d: %w", t.ID, ErrConflict)
		}
		if err := s.bumpWorker(ctx, tx, w.ID, wReset, wCount+1); err != nil {
			return err
		}
		if _, err := s.insertAction(ctx, tx, ActionRecord{
			PassID: p.PassID, WorkerID: p.WorkerID, TargetID: p.TargetID,
			Kind: ActionPost, Outcome: OutcomeSuccess, At: p.At, Detail: p.Detail,
		}); err != nil {
			return err
		}
		out, err = getTarget(ctx, tx, s, t.ID, false)
		return err
	})
	return out, err
}

func (s *sqlStore) RequeueTarget(ctx context.Context, id int64) (Target, error) {
	var out Target
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTarget(ctx, tx, s, id, true)
		if err != nil {
			return err
		}
		if !t.Status.Requeueable() {
			return fmt.Errorf("requeue %s target %d: %w", t.Status, id, ErrInvalidState)
		}
		if _, err := tx.ExecContext(ctx, s.q(
			`UPDATE targets SET status = ?, assigned_worker_id = NULL, warm_up_until = NULL, error_message = NULL,
			   version = version + 1
			 WHERE id = ?`),
			string(TargetNew), id,
		); err != nil {
			return err
		}
		out, err = getTarget(ctx, tx, s, id, false)
		return err
	})
	return out, err
}

func (s *sqlStore) bumpWorker(ctx context.Context, tx *sql.Tx, id int64, reset time.Time, count int) error {
	_, err := tx.ExecContext(ctx, s.q(
		`UPDATE workers SET daily_action_count = ?, last_counter_reset = ? WHERE id = ?`),
		count, toMillis(reset), id,
	)
	return err
}

// ---- blocklist ----

func (s *sqlStore) AddBlock(ctx context.Context, e BlockEntry) (bool, error) {
	at := e.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO blocklist(target_id, worker_id, reason, created_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT (target_id, worker_id) DO NOTHING`),
		e.TargetID, e.WorkerID, e.Reason, at.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqlStore) BlockedWorkers(ctx context.Context, targetID int64) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT worker_id FROM blocklist WHERE target_id = ?`), targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]struct{}{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// ---- action history ----

func (s *sqlStore) AppendAction(ctx context.Context, r ActionRecord) (ActionRecord, error) {
	return s.insertAction(ctx, s.db, r)
}

func (s *sqlStore) insertAction(ctx context.Context, q queryer, r ActionRecord) (ActionRecord, error) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	err := q.QueryRowContext(ctx, s.q(
		`INSERT INTO action_history(pass_id, worker_id, target_id, kind, outcome, at, detail)
		 VALUES(?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		r.PassID, r.WorkerID, r.TargetID, string(r.Kind), string(r.Outcome), r.At.UnixMilli(), r.Detail,
	).Scan(&r.ID)
	return r, err
}

func (s *sqlStore) ListActions(ctx context.Context, f ActionFilter) ([]ActionRecord, error) {
	query := `SELECT ` + actionCols + ` FROM action_history WHERE 1 = 1`
	var args []any
	if f.WorkerID != 0 {
		query += ` AND worker_id = ?`
		args = append(args, f.WorkerID)
	}
	if f.TargetID != 0 {
		query += ` AND target_id = ?`
		args = append(args, f.TargetID)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(f.Outcome))
	}
	if !f.Since.IsZero() {
		query += ` AND at >= ?`
		args = append(args, f.Since.UnixMilli())
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- slots ----

func (s *sqlStore) MarkSlot(ctx context.Context, day, slot string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO slot_runs(day, slot, at) VALUES(?, ?, ?) ON CONFLICT (day, slot) DO NOTHING`),
		day, slot, at.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqlStore) SlotDone(ctx context.Context, day, slot string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM slot_runs WHERE day = ? AND slot = ?`), day, slot).Scan(&n)
	return n > 0, err
}

// ---- diagnostics ----

func (s *sqlStore) Counts(ctx context.Context, now time.Time) (StatusCounts, error) {
	out := StatusCounts{
		Targets:      map[TargetStatus]int{},
		Workers:      map[WorkerStatus]int{},
		ActionsToday: map[Outcome]int{},
	}
	if err := s.groupCount(ctx, `SELECT status, COUNT(*) FROM targets GROUP BY status`, nil, func(k string, n int) {
		out.Targets[TargetStatus(k)] = n
	}); err != nil {
		return out, err
	}
	if err := s.groupCount(ctx, `SELECT status, COUNT(*) FROM workers GROUP BY status`, nil, func(k string, n int) {
		out.Workers[WorkerStatus(k)] = n
	}); err != nil {
		return out, err
	}
	since := quota.Day(s.loc, now).UnixMilli()
	if err := s.groupCount(ctx, `SELECT outcome, COUNT(*) FROM action_history WHERE at >= ? GROUP BY outcome`, []any{since}, func(k string, n int) {
		out.ActionsToday[Outcome(k)] = n
	}); err != nil {
		return out, err
	}
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocklist`).Scan(&out.BlocklistPairs)
	return out, err
}

func (s *sqlStore) groupCount(ctx context.Context, query string, args []any, fn func(k string, n int)) error {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		fn(k, n)
	}
	return rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
