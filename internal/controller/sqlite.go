package controller

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"orchestra/internal/model"
	"orchestra/internal/settings"
)

// Options configures a SQLiteController's expiration tunables. Zero values
// fall back to sensible defaults.
type Options struct {
	LockTTL    time.Duration
	TokenTTL   time.Duration
	MessageTTL time.Duration
	Requeue    bool
}

func (o Options) withDefaults() Options {
	if o.LockTTL == 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.TokenTTL == 0 {
		o.TokenTTL = 24 * time.Hour
	}
	if o.MessageTTL == 0 {
		o.MessageTTL = time.Hour
	}
	return o
}

// SQLiteController is the embedded, authoritative Controller implementation.
// A single in-process mutex serializes the multi-statement sequences used
// by registryPush/cleanup; queuePop additionally relies on the UNIQUE
// constraint on locks.token to remain correct across separate processes
// sharing the same database file.
type SQLiteController struct {
	db   *sql.DB
	opts Options
	mu   sync.Mutex
	log  zerolog.Logger
}

// OpenSQLiteController opens (creating and migrating if necessary) the
// registry database at path.
func OpenSQLiteController(path string, opts Options, log zerolog.Logger) (*SQLiteController, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=1",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	c := &SQLiteController{db: db, opts: opts.withDefaults(), log: log}
	store := settings.New(db)
	if requeueStr, err := store.Get(context.Background(), "controller.requeue"); err == nil && requeueStr != "" {
		c.opts.Requeue = requeueStr == "true"
	}
	return c, nil
}

// Close releases the underlying database handle.
func (c *SQLiteController) Close() error { return c.db.Close() }

// SetRequeue overrides the requeue policy at runtime.
func (c *SQLiteController) SetRequeue(requeue bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Requeue = requeue
}

// SetLockTTL overrides the lock TTL at runtime.
func (c *SQLiteController) SetLockTTL(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.LockTTL = d
}

func encodeInfo(info model.JobInfo) (string, error) {
	b, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeInfo(raw string) (model.JobInfo, error) {
	var info model.JobInfo
	err := json.Unmarshal([]byte(raw), &info)
	return info, err
}

func (c *SQLiteController) QueuePush(ctx context.Context, token model.Token, info model.JobInfo) (model.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.cleanupLocked(ctx); err != nil {
		return model.Token{}, err
	}

	existing, err := c.getInfoLocked(ctx, token.Value)
	if err == nil {
		if jsonEqual(existing.Config.OriginalBody, info.Config.OriginalBody) {
			existingToken, terr := c.getTokenLocked(ctx, token.Value)
			if terr != nil {
				return model.Token{}, terr
			}
			return existingToken, nil
		}
		return model.Token{}, &ConflictError{Token: token.Value}
	}
	var unknown *UnknownTokenError
	if !errors.As(err, &unknown) {
		return model.Token{}, err
	}

	info.Token = &token
	info.Metadata.Produce("controller")
	infoJSON, err := encodeInfo(info)
	if err != nil {
		return model.Token{}, err
	}
	var expiresAt any
	if token.Expires && token.ExpiresAt != nil {
		expiresAt = token.ExpiresAt.Unix()
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO registry(token, status, info, expires_at) VALUES(?,?,?,?)`,
		token.Value, model.StatusQueued, infoJSON, expiresAt)
	if err != nil {
		return model.Token{}, err
	}
	return token, nil
}

// queuePopSQL atomically selects the oldest queued token with no live lock
// and creates a lock row in a single statement, so two concurrent pops can
// never observe and claim the same token: the locks.token UNIQUE constraint
// allows only one of any racing inserts to commit.
const queuePopSQL = `
INSERT INTO locks(id, name, token, expires_at)
SELECT ?, ?, token, ?
FROM registry
WHERE status = 'queued'
  AND token NOT IN (SELECT token FROM locks)
ORDER BY rowid
LIMIT 1
RETURNING token
`

func (c *SQLiteController) QueuePop(ctx context.Context, workerName string) (model.Lock, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.cleanupLocked(ctx); err != nil {
		return model.Lock{}, false, err
	}

	lockID := uuid.NewString()
	expiresAt := time.Now().Add(c.opts.LockTTL)

	var token string
	row := c.db.QueryRowContext(ctx, queuePopSQL, lockID, workerName, expiresAt.Unix())
	if err := row.Scan(&token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Lock{}, false, nil
		}
		return model.Lock{}, false, err
	}
	if _, err := c.db.ExecContext(ctx, `UPDATE registry SET status=? WHERE token=?`, model.StatusRunning, token); err != nil {
		return model.Lock{}, false, err
	}
	return model.Lock{ID: lockID, Name: workerName, Token: token, ExpiresAt: expiresAt}, true, nil
}

func (c *SQLiteController) ReleaseLock(ctx context.Context, lockID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `DELETE FROM locks WHERE id=?`, lockID)
	return err
}

func (c *SQLiteController) RefreshLock(ctx context.Context, lockID string) (model.Lock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, err := c.getLockLocked(ctx, lockID)
	if err != nil {
		var unknown *UnknownLockError
		if errors.As(err, &unknown) {
			return model.Lock{}, &StaleLockError{LockID: lockID}
		}
		return model.Lock{}, err
	}
	if lock.Expired(time.Now()) {
		return model.Lock{}, &StaleLockError{LockID: lockID}
	}
	newExpiry := time.Now().Add(c.opts.LockTTL)
	if _, err := c.db.ExecContext(ctx, `UPDATE locks SET expires_at=? WHERE id=?`, newExpiry.Unix(), lockID); err != nil {
		return model.Lock{}, err
	}
	lock.ExpiresAt = newExpiry
	return lock, nil
}

func (c *SQLiteController) getLockLocked(ctx context.Context, lockID string) (model.Lock, error) {
	var l model.Lock
	var expiresUnix int64
	err := c.db.QueryRowContext(ctx, `SELECT id, name, token, expires_at FROM locks WHERE id=?`, lockID).
		Scan(&l.ID, &l.Name, &l.Token, &expiresUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Lock{}, &UnknownLockError{LockID: lockID}
	}
	if err != nil {
		return model.Lock{}, err
	}
	l.ExpiresAt = time.Unix(expiresUnix, 0)
	return l, nil
}

func (c *SQLiteController) GetToken(ctx context.Context, token string) (model.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getTokenLocked(ctx, token)
}

func (c *SQLiteController) getTokenLocked(ctx context.Context, token string) (model.Token, error) {
	info, err := c.getInfoLocked(ctx, token)
	if err != nil {
		return model.Token{}, err
	}
	if info.Token == nil {
		return model.Token{Value: token}, nil
	}
	return *info.Token, nil
}

func (c *SQLiteController) GetInfo(ctx context.Context, token string) (model.JobInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getInfoLocked(ctx, token)
}

func (c *SQLiteController) getInfoLocked(ctx context.Context, token string) (model.JobInfo, error) {
	var raw string
	err := c.db.QueryRowContext(ctx, `SELECT info FROM registry WHERE token=?`, token).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobInfo{}, &UnknownTokenError{Token: token}
	}
	if err != nil {
		return model.JobInfo{}, err
	}
	return decodeInfo(raw)
}

func (c *SQLiteController) GetStatus(ctx context.Context, token string) (model.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var status string
	err := c.db.QueryRowContext(ctx, `SELECT status FROM registry WHERE token=?`, token).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &UnknownTokenError{Token: token}
	}
	if err != nil {
		return "", err
	}
	return model.Status(status), nil
}

func (c *SQLiteController) RegistryPush(ctx context.Context, lockID string, status *model.Status, info *model.JobInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, err := c.getLockLocked(ctx, lockID)
	if err != nil {
		var unknown *UnknownLockError
		if errors.As(err, &unknown) {
			return &RegistryStaleLockError{LockID: lockID}
		}
		return err
	}
	if lock.Expired(time.Now()) {
		return &RegistryStaleLockError{LockID: lockID}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if info != nil {
		infoJSON, err := encodeInfo(*info)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE registry SET info=? WHERE token=?`, infoJSON, lock.Token); err != nil {
			return err
		}
	}
	if status != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE registry SET status=? WHERE token=?`, string(*status), lock.Token); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *SQLiteController) MessagePush(ctx context.Context, token string, instruction model.Instruction, origin, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO messages(token, instruction, origin, content, received_at, expires_at)
		 VALUES(?,?,?,?,?,?)`,
		token, string(instruction), origin, content, now.Unix(), now.Add(c.opts.MessageTTL).Unix())
	if err != nil {
		if isForeignKeyViolation(err) {
			// token no longer exists: silently discard, per the registry's
			// cascading-delete semantics.
			return nil
		}
		return err
	}
	return nil
}

func (c *SQLiteController) MessageGet(ctx context.Context, since int64) ([]model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.db.QueryContext(ctx,
		`SELECT token, instruction, origin, content, received_at, expires_at FROM messages WHERE received_at >= ? ORDER BY id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		var m model.Message
		var instr string
		var receivedUnix int64
		var expiresUnix sql.NullInt64
		if err := rows.Scan(&m.Token, &instr, &m.Origin, &m.Content, &receivedUnix, &expiresUnix); err != nil {
			return nil, err
		}
		m.Instruction = model.Instruction(instr)
		m.ReceivedAt = time.Unix(receivedUnix, 0)
		if expiresUnix.Valid {
			t := time.Unix(expiresUnix.Int64, 0)
			m.ExpiresAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *SQLiteController) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupLocked(ctx)
}

// cleanupLocked purges expired locks, registry records and messages, and
// requeues or fails running records that lost their lock. Callers must
// already hold c.mu.
func (c *SQLiteController) cleanupLocked(ctx context.Context) error {
	now := time.Now()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, now.Unix()); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM registry WHERE expires_at IS NOT NULL AND expires_at < ?`, now.Unix()); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?`, now.Unix()); err != nil {
		return err
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT token, info FROM registry WHERE status = 'running'
		 AND token NOT IN (SELECT token FROM locks)`)
	if err != nil {
		return err
	}
	type orphan struct {
		token string
		info  model.JobInfo
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		var raw string
		if err := rows.Scan(&o.token, &raw); err != nil {
			rows.Close()
			return err
		}
		info, err := decodeInfo(raw)
		if err != nil {
			rows.Close()
			return err
		}
		o.info = info
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	const cleanupOrigin = "controller"

	for _, o := range orphans {
		if c.opts.Requeue {
			o.info.Metadata.Reset()
			o.info.Report, err = updateReportProgress(o.info.Report, func(p *model.Progress) {
				p.Queue()
				p.Verbose = fmt.Sprintf("requeued by controller '%s'", cleanupOrigin)
			}, model.ContextEvent, cleanupOrigin, fmt.Sprintf(
				"Requeued by controller '%s' due to failed state.", cleanupOrigin))
			if err != nil {
				return err
			}
			infoJSON, err := encodeInfo(o.info)
			if err != nil {
				return err
			}
			if _, err := c.db.ExecContext(ctx, `UPDATE registry SET status=?, info=? WHERE token=?`,
				model.StatusQueued, infoJSON, o.token); err != nil {
				return err
			}
			c.log.Info().Str("token", o.token).Msg("requeued orphaned job")
		} else {
			o.info.Metadata.AbortRecord(cleanupOrigin)
			o.info.Report, err = updateReportProgress(o.info.Report, func(p *model.Progress) {
				p.Abort()
				p.Verbose = fmt.Sprintf("aborted by controller '%s'", cleanupOrigin)
			}, model.ContextError, cleanupOrigin, fmt.Sprintf(
				"Aborted by controller '%s' due to failed state.", cleanupOrigin))
			if err != nil {
				return err
			}
			infoJSON, err := encodeInfo(o.info)
			if err != nil {
				return err
			}
			if _, err := c.db.ExecContext(ctx, `UPDATE registry SET status=?, info=? WHERE token=?`,
				model.StatusFailed, infoJSON, o.token); err != nil {
				return err
			}
			c.log.Warn().Str("token", o.token).Msg("failed orphaned job")
		}
	}
	return nil
}

// updateReportProgress decodes a job's persisted, opaque report, applies
// mutate to its progress and appends a log line, then re-encodes it back
// into a JSONObject. Fields outside "progress" and "log" (job-type-specific
// report data the core doesn't know about) are left untouched.
func updateReportProgress(raw model.JSONObject, mutate func(*model.Progress), logCtx model.LoggingContext, origin, body string) (model.JSONObject, error) {
	if raw == nil {
		raw = model.JSONObject{}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var rep model.Report
	if err := json.Unmarshal(b, &rep); err != nil {
		return nil, err
	}
	if rep.Log == nil {
		rep.Log = model.NewLogger(origin)
	}
	mutate(&rep.Progress)
	rep.Log.Log(logCtx, origin, body)

	progressJSON, err := json.Marshal(rep.Progress)
	if err != nil {
		return nil, err
	}
	var progressObj any
	if err := json.Unmarshal(progressJSON, &progressObj); err != nil {
		return nil, err
	}
	logJSON, err := json.Marshal(rep.Log)
	if err != nil {
		return nil, err
	}
	var logObj any
	if err := json.Unmarshal(logJSON, &logObj); err != nil {
		return nil, err
	}
	raw["progress"] = progressObj
	raw["log"] = logObj
	return raw, nil
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func jsonEqual(a, b model.JSONObject) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}
