// Package sqlitestore persists episode event logs to SQLite so finished
// experiments can be queried and exported after the gateway exits.
// Payloads are stored as deterministic CBOR.
package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/fxamacker/cbor/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/signalsfoundry/traffic-gateway/internal/eventlog"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	experiment_id TEXT    NOT NULL,
	episode_id    TEXT    NOT NULL,
	seq           INTEGER NOT NULL,
	step          INTEGER NOT NULL,
	kind          TEXT    NOT NULL,
	time_ns       INTEGER NOT NULL,
	payload       BLOB,
	PRIMARY KEY (experiment_id, episode_id, seq)
);
CREATE INDEX IF NOT EXISTS entries_step
	ON entries (experiment_id, episode_id, step);
`

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sqlitestore: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("sqlitestore: CBOR decoder initialization failed: " + err.Error())
	}
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the database file. It is created if missing.
	Path string
	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int
	Logger   logging.Logger
}

// Store is a pool-backed SQLite archive of log entries. It is safe for
// concurrent use.
type Store struct {
	pool   *sqlitex.Pool
	logger logging.Logger
	path   string
}

// Open creates or opens the archive at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlitestore: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Noop()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", cfg.Path, err)
	}
	logger.Info(context.Background(), "event archive opened",
		logging.String("path", cfg.Path),
		logging.Int("pool_size", size),
	)
	return &Store{pool: pool, logger: logger, path: cfg.Path}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlitestore: closing %s: %w", s.path, err)
	}
	return nil
}

// Write inserts entries in one immediate transaction. Entries already
// present are left untouched, so replaying a batch is harmless.
func (s *Store) Write(ctx context.Context, entries []eventlog.Entry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitestore: write: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for i := range entries {
		if err = insert(conn, &entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func insert(conn *sqlite.Conn, e *eventlog.Entry) error {
	payload, err := encMode.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload of %s/%d: %w", e.EpisodeID, e.Seq, err)
	}
	return sqlitex.Execute(conn, `INSERT OR IGNORE INTO entries
		(experiment_id, episode_id, seq, step, kind, time_ns, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			e.ExperimentID,
			e.EpisodeID,
			int64(e.Seq),
			e.Step,
			string(e.Kind),
			e.Time.UnixNano(),
			payload,
		},
	})
}

// Follow copies a live log into the store until the log is sealed and
// drained or ctx ends. Entries already archived are skipped, so a
// restarted follower resumes where the previous one stopped.
func (s *Store) Follow(ctx context.Context, log *eventlog.Log) error {
	next, err := s.NextSeq(ctx, log.ExperimentID(), log.EpisodeID())
	if err != nil {
		return err
	}
	cur := log.Cursor(next)
	for {
		e, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		// Drain whatever is already buffered into the same transaction.
		batch := []eventlog.Entry{e}
		batch = append(batch, log.Entries(cur.Position())...)
		if err := s.Write(ctx, batch); err != nil {
			return err
		}
		cur = log.Cursor(cur.Position() + uint64(len(batch)-1))
	}
}

// NextSeq returns one past the highest archived seq of an episode, or 0
// when nothing is archived.
func (s *Store) NextSeq(ctx context.Context, experimentID, episodeID string) (uint64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: next seq: %w", err)
	}
	defer s.pool.Put(conn)

	var next uint64
	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM entries WHERE experiment_id = ? AND episode_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{experimentID, episodeID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				next = uint64(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: next seq: %w", err)
	}
	return next, nil
}

// Load returns an episode's archived entries with step >= fromStep in
// seq order.
func (s *Store) Load(ctx context.Context, experimentID, episodeID string, fromStep int64) ([]eventlog.Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load: %w", err)
	}
	defer s.pool.Put(conn)

	var out []eventlog.Entry
	err = sqlitex.Execute(conn, `SELECT seq, step, kind, time_ns, payload FROM entries
		WHERE experiment_id = ? AND episode_id = ? AND step >= ?
		ORDER BY seq`, &sqlitex.ExecOptions{
		Args: []any{experimentID, episodeID, fromStep},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e := eventlog.Entry{
				ExperimentID: experimentID,
				EpisodeID:    episodeID,
				Seq:          uint64(stmt.ColumnInt64(0)),
				Step:         stmt.ColumnInt64(1),
				Kind:         eventlog.Kind(stmt.ColumnText(2)),
				Time:         time.Unix(0, stmt.ColumnInt64(3)).UTC(),
			}
			if !stmt.ColumnIsNull(4) {
				blob := make([]byte, stmt.ColumnLen(4))
				stmt.ColumnBytes(4, blob)
				if err := decMode.Unmarshal(blob, &e.Payload); err != nil {
					return fmt.Errorf("decode payload of %s/%d: %w", episodeID, e.Seq, err)
				}
			}
			out = append(out, e)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load: %w", err)
	}
	return out, nil
}

// Episodes lists the archived episode ids of an experiment.
func (s *Store) Episodes(ctx context.Context, experimentID string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: episodes: %w", err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn,
		`SELECT DISTINCT episode_id FROM entries WHERE experiment_id = ? ORDER BY episode_id`,
		&sqlitex.ExecOptions{
			Args: []any{experimentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: episodes: %w", err)
	}
	return ids, nil
}
