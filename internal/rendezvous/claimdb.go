package rendezvous

import (
	"database/sql"
	"encoding/json"
	"log"
	"sync"

	_ "modernc.org/sqlite"
)

// claimDB is the optional SQLite ledger for names. When several rendezvous
// instances share the file, a name claimed on one is taken on all of them and
// leases can be looked up from any instance.
type claimDB struct {
	db *sql.DB
	mu sync.Mutex
}

type claimRow struct {
	Name      string
	Owner     string // claim token
	Kind      string
	PeerID    string
	Addrs     []string
	ExpiresAt int64 // unix millis
}

func openClaimDB(path string) (*claimDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL mode for concurrent access from multiple processes sharing the file.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS claims (
		name       TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		kind       TEXT NOT NULL DEFAULT '',
		peer_id    TEXT DEFAULT '',
		addrs      TEXT DEFAULT '[]',
		expires_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &claimDB{db: db}, nil
}

// claim inserts row unless a live claim by another owner exists.
// It reports whether row now holds the name.
func (p *claimDB) claim(row claimRow, nowMillis int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addrs, _ := json.Marshal(row.Addrs)
	res, err := p.db.Exec(`INSERT INTO claims (name, owner, kind, peer_id, addrs, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner=excluded.owner,
			kind=excluded.kind,
			peer_id=excluded.peer_id,
			addrs=excluded.addrs,
			expires_at=excluded.expires_at
		WHERE claims.expires_at < ? OR claims.owner = excluded.owner`,
		row.Name, row.Owner, row.Kind, row.PeerID, string(addrs), row.ExpiresAt, nowMillis)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// renew extends a claim held by owner.
func (p *claimDB) renew(name, owner string, expiresAt int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, err := p.db.Exec(`UPDATE claims SET expires_at = ? WHERE name = ? AND owner = ?`, expiresAt, name, owner)
	if err != nil {
		log.Printf("RV: claimdb renew %s: %v", name, err)
		return false
	}
	n, _ := res.RowsAffected()
	return n == 1
}

func (p *claimDB) release(name, owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.db.Exec(`DELETE FROM claims WHERE name = ? AND owner = ?`, name, owner); err != nil {
		log.Printf("RV: claimdb release %s: %v", name, err)
	}
}

// lookup returns the live claim for name.
func (p *claimDB) lookup(name string, nowMillis int64) (claimRow, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		r     claimRow
		addrs string
	)
	err := p.db.QueryRow(`SELECT name, owner, kind, peer_id, addrs, expires_at FROM claims
		WHERE name = ? AND expires_at >= ?`, name, nowMillis).
		Scan(&r.Name, &r.Owner, &r.Kind, &r.PeerID, &addrs, &r.ExpiresAt)
	if err == sql.ErrNoRows {
		return claimRow{}, false, nil
	}
	if err != nil {
		return claimRow{}, false, err
	}
	_ = json.Unmarshal([]byte(addrs), &r.Addrs)
	return r, true, nil
}

// cleanupExpired removes claims that expired before nowMillis.
func (p *claimDB) cleanupExpired(nowMillis int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.db.Exec(`DELETE FROM claims WHERE expires_at < ?`, nowMillis)
}

// loadLive returns every unexpired claim.
func (p *claimDB) loadLive(nowMillis int64) ([]claimRow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.Query(`SELECT name, owner, kind, peer_id, addrs, expires_at FROM claims WHERE expires_at >= ?`, nowMillis)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []claimRow
	for rows.Next() {
		var (
			r     claimRow
			addrs string
		)
		if err := rows.Scan(&r.Name, &r.Owner, &r.Kind, &r.PeerID, &addrs, &r.ExpiresAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(addrs), &r.Addrs)
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *claimDB) close() error {
	return p.db.Close()
}
