// Package storage — sqlite.go
//
// SQLite-backed persistent storage for autocryptd peer states.
//
// Schema:
//
//	CREATE TABLE acpeerstates (
//	    addr                 TEXT PRIMARY KEY COLLATE NOCASE,
//	    last_seen            INTEGER NOT NULL DEFAULT 0,
//	    last_seen_autocrypt  INTEGER NOT NULL DEFAULT 0,
//	    prefer_encrypted     INTEGER NOT NULL DEFAULT 0,
//	    public_key           BLOB,
//	    gossip_timestamp     INTEGER NOT NULL DEFAULT 0,
//	    gossip_key           BLOB,
//	    fingerprint          TEXT NOT NULL DEFAULT '',
//	    verified             INTEGER NOT NULL DEFAULT 0
//	);
//	CREATE INDEX IF NOT EXISTS acpeerstates_fingerprint ON acpeerstates(fingerprint);
//
// This column set and the COLLATE NOCASE on addr are bit-for-bit
// compatible with the existing store layout; do not rename or reorder
// columns without a migration.
//
// Consistency model:
//   - Single-writer. The caller (internal/mailbox) holds the coarse
//     dispatch lock around load-modify-save sequences; Store itself does
//     not serialize callers.
//   - Every write is a single autocommit statement; no explicit
//     transactions are used because each Save call touches one row.
//   - Prepared statements are created once per Store and reused for the
//     life of the process.
//
// Failure modes:
//   - Database file cannot be created or is unwritable: Open returns an
//     error and the daemon refuses to start. A missing file is created.
//   - Unique constraint violation on INSERT (addr already exists): treated
//     as success, matching the donor's fire-and-forget INSERT semantics —
//     the row already existing is not a caller-visible error.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/autocryptd/autocryptd/internal/key"
	"github.com/autocryptd/autocryptd/internal/peerstate"
)

const schema = `
CREATE TABLE IF NOT EXISTS acpeerstates (
    addr                 TEXT PRIMARY KEY COLLATE NOCASE,
    last_seen            INTEGER NOT NULL DEFAULT 0,
    last_seen_autocrypt  INTEGER NOT NULL DEFAULT 0,
    prefer_encrypted     INTEGER NOT NULL DEFAULT 0,
    public_key           BLOB,
    gossip_timestamp     INTEGER NOT NULL DEFAULT 0,
    gossip_key           BLOB,
    fingerprint          TEXT NOT NULL DEFAULT '',
    verified             INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS acpeerstates_fingerprint ON acpeerstates(fingerprint);
`

const peerstateFields = "addr, last_seen, last_seen_autocrypt, prefer_encrypted, public_key, gossip_timestamp, gossip_key, fingerprint, verified"

// Store is a SQLite-backed peer-state table with cached prepared
// statements for every access path the engine needs.
type Store struct {
	db *sql.DB

	selectByAddr        *sql.Stmt
	selectByFingerprint *sql.Stmt
	selectAll           *sql.Stmt
	insertAddr          *sql.Stmt
	updateAll           *sql.Stmt
	updateTimestamps    *sql.Stmt
}

// Open opens (creating if necessary) the SQLite database at path and
// prepares the statements used by Load/Save.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open(%q): %w", path, err)
	}
	// acpeerstates is accessed by one writer at a time; a single
	// connection avoids SQLITE_BUSY under modernc.org/sqlite.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) prepare() error {
	var err error
	if s.selectByAddr, err = s.db.Prepare(
		"SELECT " + peerstateFields + " FROM acpeerstates WHERE addr=? COLLATE NOCASE;"); err != nil {
		return fmt.Errorf("prepare selectByAddr: %w", err)
	}
	if s.selectByFingerprint, err = s.db.Prepare(
		"SELECT " + peerstateFields + " FROM acpeerstates WHERE fingerprint=? COLLATE NOCASE;"); err != nil {
		return fmt.Errorf("prepare selectByFingerprint: %w", err)
	}
	if s.selectAll, err = s.db.Prepare(
		"SELECT " + peerstateFields + " FROM acpeerstates ORDER BY addr;"); err != nil {
		return fmt.Errorf("prepare selectAll: %w", err)
	}
	if s.insertAddr, err = s.db.Prepare(
		"INSERT INTO acpeerstates (addr) VALUES(?);"); err != nil {
		return fmt.Errorf("prepare insertAddr: %w", err)
	}
	if s.updateAll, err = s.db.Prepare(
		`UPDATE acpeerstates
		    SET last_seen=?, last_seen_autocrypt=?, prefer_encrypted=?,
		        public_key=?, gossip_timestamp=?, gossip_key=?, fingerprint=?, verified=?
		  WHERE addr=?;`); err != nil {
		return fmt.Errorf("prepare updateAll: %w", err)
	}
	if s.updateTimestamps, err = s.db.Prepare(
		"UPDATE acpeerstates SET last_seen=?, last_seen_autocrypt=?, gossip_timestamp=? WHERE addr=?;"); err != nil {
		return fmt.Errorf("prepare updateTimestamps: %w", err)
	}
	return nil
}

// Close releases the prepared statements and the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanRow(row *sql.Row) (peerstate.PeerState, bool, error) {
	var (
		ps                  peerstate.PeerState
		preferEncrypt       int
		verified            int
		publicKey, gossipKey []byte
	)

	err := row.Scan(
		&ps.Addr,
		&ps.LastSeen,
		&ps.LastSeenAutocrypt,
		&preferEncrypt,
		&publicKey,
		&ps.GossipTimestamp,
		&gossipKey,
		&ps.Fingerprint,
		&verified,
	)
	if err == sql.ErrNoRows {
		return peerstate.PeerState{}, false, nil
	}
	if err != nil {
		return peerstate.PeerState{}, false, fmt.Errorf("scan acpeerstates row: %w", err)
	}

	ps.PreferEncrypt = peerstate.PreferEncrypt(preferEncrypt)
	ps.Verified = peerstate.Verified(verified)
	if publicKey != nil {
		k := key.FromBytes(publicKey)
		ps.PublicKey = &k
	}
	if gossipKey != nil {
		k := key.FromBytes(gossipKey)
		ps.GossipKey = &k
	}
	return ps, true, nil
}

// LoadByAddr loads the peer state for addr (case-insensitive). Reports
// whether a row was found.
func (s *Store) LoadByAddr(addr string) (peerstate.PeerState, bool, error) {
	return scanRow(s.selectByAddr.QueryRow(addr))
}

// LoadByFingerprint loads the peer state whose fingerprint matches
// (case-insensitive). Reports whether a row was found.
func (s *Store) LoadByFingerprint(fingerprint string) (peerstate.PeerState, bool, error) {
	return scanRow(s.selectByFingerprint.QueryRow(fingerprint))
}

// ListAll returns every tracked peer state, ordered by address. Intended
// for operator inspection (internal/operator's "list" command), not the
// hot path.
func (s *Store) ListAll() ([]peerstate.PeerState, error) {
	rows, err := s.selectAll.Query()
	if err != nil {
		return nil, fmt.Errorf("query acpeerstates: %w", err)
	}
	defer rows.Close()

	var out []peerstate.PeerState
	for rows.Next() {
		var (
			ps                   peerstate.PeerState
			preferEncrypt        int
			verified             int
			publicKey, gossipKey []byte
		)
		if err := rows.Scan(
			&ps.Addr, &ps.LastSeen, &ps.LastSeenAutocrypt, &preferEncrypt,
			&publicKey, &ps.GossipTimestamp, &gossipKey, &ps.Fingerprint, &verified,
		); err != nil {
			return nil, fmt.Errorf("scan acpeerstates row: %w", err)
		}
		ps.PreferEncrypt = peerstate.PreferEncrypt(preferEncrypt)
		ps.Verified = peerstate.Verified(verified)
		if publicKey != nil {
			k := key.FromBytes(publicKey)
			ps.PublicKey = &k
		}
		if gossipKey != nil {
			k := key.FromBytes(gossipKey)
			ps.GossipKey = &k
		}
		out = append(out, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate acpeerstates rows: %w", err)
	}
	return out, nil
}

// Save persists ps. When create is true, an unconditional INSERT(addr)
// is attempted first; a unique-constraint violation (the row already
// exists) is swallowed, matching the donor's create-then-update
// semantics. The update path taken afterward depends on ps.ToSave():
// SaveAll writes every column, SaveTimestamps writes only the three
// timestamp columns, and an empty bitset performs no update at all.
func (s *Store) Save(ps *peerstate.PeerState, create bool) error {
	if ps.Addr == "" {
		return fmt.Errorf("save: empty addr")
	}

	if create {
		if _, err := s.insertAddr.Exec(ps.Addr); err != nil && !isUniqueViolation(err) {
			return fmt.Errorf("insert acpeerstates(addr): %w", err)
		}
	}

	switch {
	case ps.ToSave().Has(peerstate.SaveAll) || create:
		var publicKey, gossipKey []byte
		if ps.PublicKey != nil {
			publicKey = ps.PublicKey.Bytes()
		}
		if ps.GossipKey != nil {
			gossipKey = ps.GossipKey.Bytes()
		}
		_, err := s.updateAll.Exec(
			ps.LastSeen, ps.LastSeenAutocrypt, int(ps.PreferEncrypt),
			publicKey, ps.GossipTimestamp, gossipKey, ps.Fingerprint, int(ps.Verified),
			ps.Addr,
		)
		if err != nil {
			return fmt.Errorf("update acpeerstates (full): %w", err)
		}

	case ps.ToSave().Has(peerstate.SaveTimestamps):
		_, err := s.updateTimestamps.Exec(ps.LastSeen, ps.LastSeenAutocrypt, ps.GossipTimestamp, ps.Addr)
		if err != nil {
			return fmt.Errorf("update acpeerstates (timestamps): %w", err)
		}
	}

	ps.ClearToSave()
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations as *sqlite.Error
	// whose message contains "UNIQUE constraint failed"; matching on the
	// message avoids an import-only dependency on the driver's internal
	// error type, which is not guaranteed stable across versions.
	return err != nil && containsUniqueConstraint(err.Error())
}

func containsUniqueConstraint(msg string) bool {
	const needle = "UNIQUE constraint failed"
	for i := 0; i+len(needle) <= len(msg); i++ {
		if msg[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
