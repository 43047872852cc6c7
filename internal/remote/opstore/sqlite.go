package opstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/vclock"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS ops (
	server_seq INTEGER PRIMARY KEY AUTOINCREMENT,
	op_id TEXT NOT NULL UNIQUE,
	client_id TEXT NOT NULL,
	op_type TEXT NOT NULL,
	full_state INTEGER NOT NULL DEFAULT 0,
	body BLOB NOT NULL,
	received_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ops_full_state ON ops(full_state, server_seq);
CREATE INDEX IF NOT EXISTS idx_ops_client ON ops(client_id, server_seq);
`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements OpStore on a single SQLite database. AUTOINCREMENT
// guarantees sequence numbers are never reused, even after a purge.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create op store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open op store: %w", err)
	}
	// One connection serializes writers so sequence assignment and the
	// piggyback query observe the same log.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize op store: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func latestSeq(ctx context.Context, q queryer) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'ops'), 0)`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read latest seq: %w", err)
	}
	return seq, nil
}

// bounds returns the smallest retained sequence number and the op count.
func bounds(ctx context.Context, q queryer) (minSeq, count int64, err error) {
	err = q.QueryRowContext(ctx, `SELECT COALESCE(MIN(server_seq), 0), COUNT(*) FROM ops`).Scan(&minSeq, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("read log bounds: %w", err)
	}
	return minSeq, count, nil
}

func latestFullStateSeq(ctx context.Context, q queryer) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(server_seq), 0) FROM ops WHERE full_state = 1`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read latest snapshot seq: %w", err)
	}
	return seq, nil
}

// isGap reports whether a client positioned at seq has missed operations
// that are no longer retained, or is ahead of a reset log.
func isGap(seq, latest, minSeq, count int64) bool {
	if seq > latest {
		return true
	}
	return count > 0 && seq < minSeq-1
}

// LatestSeq returns the highest sequence number ever assigned.
func (s *SQLiteStore) LatestSeq(ctx context.Context) (int64, error) {
	return latestSeq(ctx, s.db)
}

func (s *SQLiteStore) insert(ctx context.Context, q queryer, op *models.Operation) (int64, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("marshal operation %s: %w", op.ID, err)
	}
	fullState := 0
	if op.IsFullState() {
		fullState = 1
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO ops (op_id, client_id, op_type, full_state, body, received_at) VALUES (?, ?, ?, ?, ?, ?)`,
		op.ID, op.ClientID, string(op.OpType), fullState, body, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert operation %s: %w", op.ID, err)
	}
	return res.LastInsertId()
}

func existingSeq(ctx context.Context, q queryer, opID string) (int64, bool, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT server_seq FROM ops WHERE op_id = ?`, opID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("look up operation %s: %w", opID, err)
	}
	return seq, true, nil
}

func scanOps(rows *sql.Rows) ([]*models.SyncOperation, error) {
	defer rows.Close()

	var ops []*models.SyncOperation
	for rows.Next() {
		var (
			seq        int64
			body       []byte
			receivedAt int64
		)
		if err := rows.Scan(&seq, &body, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op := &models.SyncOperation{ServerSeq: seq, ReceivedAt: receivedAt}
		if err := json.Unmarshal(body, &op.Operation); err != nil {
			return nil, fmt.Errorf("unmarshal operation at seq %d: %w", seq, err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func querySince(ctx context.Context, q queryer, since int64, excludeClient string, limit int) ([]*models.SyncOperation, bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT server_seq, body, received_at FROM ops
		WHERE server_seq > ? AND (? = '' OR client_id != ?)
		ORDER BY server_seq
		LIMIT ?`, since, excludeClient, excludeClient, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("query operations: %w", err)
	}
	ops, err := scanOps(rows)
	if err != nil {
		return nil, false, err
	}
	if len(ops) > limit {
		return ops[:limit], true, nil
	}
	return ops, false, nil
}

// UploadOps stores ops in order, treating already-stored op ids as accepted
// at their original position, and collects the piggyback for the uploader.
func (s *SQLiteStore) UploadOps(ctx context.Context, clientID string, lastKnownSeq int64, ops []*models.Operation, piggybackLimit int) (*UploadResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upload: %w", err)
	}
	defer tx.Rollback()

	latest, err := latestSeq(ctx, tx)
	if err != nil {
		return nil, err
	}
	minSeq, count, err := bounds(ctx, tx)
	if err != nil {
		return nil, err
	}

	result := &UploadResult{GapDetected: isGap(lastKnownSeq, latest, minSeq, count)}

	for _, op := range ops {
		seq, dup, err := existingSeq(ctx, tx, op.ID)
		if err != nil {
			return nil, err
		}
		if !dup {
			if seq, err = s.insert(ctx, tx, op); err != nil {
				return nil, err
			}
		}
		result.Results = append(result.Results, OpResult{OpID: op.ID, ServerSeq: seq, Duplicate: dup})
	}

	if !result.GapDetected && piggybackLimit > 0 {
		result.Piggyback, result.HasMorePiggyback, err = querySince(ctx, tx, lastKnownSeq, clientID, piggybackLimit)
		if err != nil {
			return nil, err
		}
	}

	if result.LatestSeq, err = latestSeq(ctx, tx); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upload: %w", err)
	}
	return result, nil
}

// OpsSince returns a page of operations after since. A client starting from
// zero, or one whose position was pruned away, is served from the newest
// full-state operation so it can adopt that snapshot.
func (s *SQLiteStore) OpsSince(ctx context.Context, since int64, excludeClient string, limit int) (*Page, error) {
	latest, err := latestSeq(ctx, s.db)
	if err != nil {
		return nil, err
	}
	page := &Page{LatestSeq: latest}
	if since > latest {
		page.GapDetected = true
		return page, nil
	}

	minSeq, count, err := bounds(ctx, s.db)
	if err != nil {
		return nil, err
	}

	start := since
	if isGap(since, latest, minSeq, count) {
		page.GapDetected = true
		excludeClient = ""
		start = minSeq - 1
	}
	if page.GapDetected || since == 0 {
		fsSeq, err := latestFullStateSeq(ctx, s.db)
		if err != nil {
			return nil, err
		}
		if fsSeq > start {
			start = fsSeq - 1
		}
	}

	page.Ops, page.HasMore, err = querySince(ctx, s.db, start, excludeClient, limit)
	if err != nil {
		return nil, err
	}
	for _, op := range page.Ops {
		if op.IsFullState() {
			page.SnapshotVectorClock = op.VectorClock.Clone()
		}
	}
	return page, nil
}

// InsertSnapshot stores a full-state operation. A SyncImport is refused with
// ErrSnapshotExists when an earlier SyncImport exists that its vector clock
// does not dominate, which is the case for two clients racing to seed an
// empty account.
func (s *SQLiteStore) InsertSnapshot(ctx context.Context, op *models.Operation, cleanSlate bool) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if cleanSlate {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ops`); err != nil {
			return 0, fmt.Errorf("purge for clean slate: %w", err)
		}
	}

	seq, dup, err := existingSeq(ctx, tx, op.ID)
	if err != nil {
		return 0, err
	}
	if dup {
		return seq, tx.Commit()
	}

	if op.OpType == models.OpSyncImport && !cleanSlate {
		var body []byte
		err := tx.QueryRowContext(ctx,
			`SELECT body FROM ops WHERE op_type = ? ORDER BY server_seq DESC LIMIT 1`,
			string(models.OpSyncImport)).Scan(&body)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return 0, fmt.Errorf("look up sync import: %w", err)
		default:
			var prev models.Operation
			if err := json.Unmarshal(body, &prev); err != nil {
				return 0, fmt.Errorf("unmarshal sync import: %w", err)
			}
			if vclock.Compare(op.VectorClock, prev.VectorClock) != vclock.GreaterThan {
				return 0, ErrSnapshotExists
			}
		}
	}

	if seq, err = s.insert(ctx, tx, op); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit snapshot: %w", err)
	}
	return seq, nil
}

// RestorePoints lists full-state operations, newest first.
func (s *SQLiteStore) RestorePoints(ctx context.Context, limit int) ([]*models.RestorePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_seq, body, received_at FROM ops
		WHERE full_state = 1
		ORDER BY server_seq DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query restore points: %w", err)
	}
	ops, err := scanOps(rows)
	if err != nil {
		return nil, err
	}

	points := make([]*models.RestorePoint, 0, len(ops))
	for _, op := range ops {
		points = append(points, &models.RestorePoint{
			ServerSeq:  op.ServerSeq,
			OpID:       op.ID,
			OpType:     op.OpType,
			ClientID:   op.ClientID,
			Timestamp:  op.Timestamp,
			ActionType: op.ActionType,
		})
	}
	return points, nil
}

// OpAt returns the operation at seq. Returns ErrNotFound if missing.
func (s *SQLiteStore) OpAt(ctx context.Context, seq int64) (*models.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_seq, body, received_at FROM ops WHERE server_seq = ?`, seq)
	if err != nil {
		return nil, fmt.Errorf("query operation %d: %w", seq, err)
	}
	ops, err := scanOps(rows)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, ErrNotFound
	}
	return ops[0], nil
}

// Purge deletes every operation.
func (s *SQLiteStore) Purge(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ops`); err != nil {
		return fmt.Errorf("purge operations: %w", err)
	}
	return nil
}

// Prune keeps the newest keep full-state operations and everything after
// the oldest of them.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}

	var cutoff int64
	err := s.db.QueryRowContext(ctx, `
		SELECT server_seq FROM ops WHERE full_state = 1
		ORDER BY server_seq DESC LIMIT 1 OFFSET ?`, keep-1).Scan(&cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find prune cutoff: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM ops WHERE server_seq < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune operations: %w", err)
	}
	return res.RowsAffected()
}

// Stats summarizes the log.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	latest, err := latestSeq(ctx, s.db)
	if err != nil {
		return nil, err
	}
	minSeq, count, err := bounds(ctx, s.db)
	if err != nil {
		return nil, err
	}
	fsSeq, err := latestFullStateSeq(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return &Stats{LatestSeq: latest, MinSeq: minSeq, OpCount: count, LatestSnapshotSeq: fsSeq}, nil
}
