// Package journal persists coordination state for crash recovery.
//
// SQLite in WAL mode holds three things: the agent's vector clock, the
// segment-store records, and the outbound sequence high-water mark. On
// restart the coordinator rehydrates from the journal and resumes.
//
// Recovery discipline: forgetting progress is safe (the fleet re-converges,
// at the cost of time), fabricating progress is not. Clock counters and the
// sequence mark are therefore only ever written monotonically, and the
// sequence counter restarts strictly above the persisted mark so a sequence
// number is never reused for different content — reuse would defeat the
// peers' dedup tables.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/agrimesh/agrimesh/pkg/model"
	"github.com/agrimesh/agrimesh/pkg/segstore"
	"github.com/agrimesh/agrimesh/pkg/vclock"

	_ "modernc.org/sqlite"
)

// Journal is the durable checkpoint store for one agent.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database and initializes the schema.
func Open(path string) (*Journal, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error { return j.db.Close() }

// retryOnContention wraps retryOp from retry.go with the default config.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS clock (
		agent_id TEXT PRIMARY KEY,
		counter  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS segment_records (
		segment_id TEXT NOT NULL,
		claimant   TEXT NOT NULL,
		clock      BLOB NOT NULL,
		kind       TEXT NOT NULL,
		last_seen  TEXT NOT NULL,
		PRIMARY KEY (segment_id, claimant)
	);
	`
	_, err := j.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

// SaveClock upserts the clock's entries. Counters only grow: a concurrent
// or replayed save with older counters folds to a no-op.
func (j *Journal) SaveClock(c vclock.Clock) error {
	return retryOnContention(func() error {
		tx, err := j.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		for id, n := range c {
			if _, err := tx.Exec(
				`INSERT INTO clock (agent_id, counter) VALUES (?, ?)
				 ON CONFLICT(agent_id) DO UPDATE SET counter = excluded.counter
				 WHERE excluded.counter > clock.counter`,
				string(id), int64(n),
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// LoadClock returns the persisted clock, empty if never saved.
func (j *Journal) LoadClock() (vclock.Clock, error) {
	rows, err := j.db.Query(`SELECT agent_id, counter FROM clock`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	c := vclock.New()
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		c[model.AgentID(id)] = uint64(n)
	}
	return c, rows.Err()
}

// ---------------------------------------------------------------------------
// Sequence high-water mark
// ---------------------------------------------------------------------------

// SaveSeq persists the outbound sequence high-water mark. Monotonic.
func (j *Journal) SaveSeq(seq uint64) error {
	return retryOnContention(func() error {
		_, err := j.db.Exec(
			`INSERT INTO meta (key, value) VALUES ('local_seq', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value
			 WHERE excluded.value > meta.value`,
			int64(seq),
		)
		return err
	})
}

// LoadSeq returns the persisted sequence mark, 0 if never saved.
func (j *Journal) LoadSeq() (uint64, error) {
	var v int64
	err := j.db.QueryRow(`SELECT value FROM meta WHERE key = 'local_seq'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// ---------------------------------------------------------------------------
// Segment records
// ---------------------------------------------------------------------------

// SaveRecords replaces the checkpointed segment records with the given
// snapshot, atomically.
func (j *Journal) SaveRecords(records []segstore.Record) error {
	return retryOnContention(func() error {
		tx, err := j.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		if _, err := tx.Exec(`DELETE FROM segment_records`); err != nil {
			return err
		}
		for _, r := range records {
			blob, err := cbor.Marshal(r.Clock)
			if err != nil {
				return fmt.Errorf("encode clock for %s/%s: %w", r.Segment, r.Claimant, err)
			}
			if _, err := tx.Exec(
				`INSERT INTO segment_records (segment_id, claimant, clock, kind, last_seen)
				 VALUES (?, ?, ?, ?, ?)`,
				string(r.Segment), string(r.Claimant), blob, string(r.Kind),
				r.LastSeen.UTC().Format(time.RFC3339Nano),
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// LoadRecords returns the checkpointed segment records.
func (j *Journal) LoadRecords() ([]segstore.Record, error) {
	rows, err := j.db.Query(
		`SELECT segment_id, claimant, clock, kind, last_seen
		 FROM segment_records ORDER BY segment_id, claimant`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []segstore.Record
	for rows.Next() {
		var r segstore.Record
		var seg, claimant, kind, seenStr string
		var blob []byte
		if err := rows.Scan(&seg, &claimant, &blob, &kind, &seenStr); err != nil {
			return nil, err
		}
		r.Segment = model.SegmentID(seg)
		r.Claimant = model.AgentID(claimant)
		r.Kind = model.ClaimKind(kind)
		if err := cbor.Unmarshal(blob, &r.Clock); err != nil {
			return nil, fmt.Errorf("decode clock for %s/%s: %w", seg, claimant, err)
		}
		r.LastSeen, err = time.Parse(time.RFC3339Nano, seenStr)
		if err != nil {
			return nil, fmt.Errorf("parse last_seen for %s/%s: %w", seg, claimant, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
