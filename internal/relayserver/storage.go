// Package relayserver implements the stateless HTTP relay of spec §4.8:
// chunked upload/download, a peer registry, a file search index and a PIN
// registry, all backed by an embedded SQLite database. Grounded on
// keysaver-server/storage.go's schema-and-prepared-statement pattern,
// generalized from a single file_keys table to the five tables this relay
// needs.
package relayserver

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Storage wraps the relay's SQLite-backed state: upload sessions, the peer
// registry, the file search index and the PIN registry.
type Storage struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS uploads (
	upload_id    TEXT PRIMARY KEY,
	file_name    TEXT NOT NULL,
	sender_id    TEXT NOT NULL,
	stored_size  INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	expiry_at    INTEGER NOT NULL,
	complete     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS upload_chunks (
	upload_id    TEXT NOT NULL,
	chunk_index  INTEGER NOT NULL,
	length       INTEGER NOT NULL,
	PRIMARY KEY (upload_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS peers (
	peer_id      TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	public_ip    TEXT NOT NULL,
	port         INTEGER NOT NULL,
	public_key   TEXT NOT NULL,
	last_seen    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	file_hash    TEXT PRIMARY KEY,
	file_name    TEXT NOT NULL,
	size         INTEGER NOT NULL,
	sender_id    TEXT NOT NULL,
	registered_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pins (
	pin          TEXT PRIMARY KEY,
	file_ref     TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	expiry_at    INTEGER NOT NULL
);
`

// Open creates (if needed) and migrates the SQLite database at path.
func Open(path string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open relay store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers like storage.go does
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate relay store: %w", err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error { return s.db.Close() }

// --- uploads ---

// UploadRecord is the server-side bookkeeping for one in-flight or
// completed upload session, spec §4.8.
type UploadRecord struct {
	UploadID   string
	FileName   string
	SenderID   string
	StoredSize int64
	CreatedAt  time.Time
	ExpiryAt   time.Time
	Complete   bool
}

// EnsureUpload creates the session row on first chunk, lazily, per §4.8's
// "an upload session is created lazily on first chunk".
func (s *Storage) EnsureUpload(uploadID, fileName, senderID string, defaultExpiry time.Duration) (UploadRecord, error) {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO uploads (upload_id, file_name, sender_id, stored_size, created_at, expiry_at, complete)
		 VALUES (?, ?, ?, 0, ?, ?, 0)`,
		uploadID, fileName, senderID, now.Unix(), now.Add(defaultExpiry).Unix(),
	)
	if err != nil {
		return UploadRecord{}, err
	}
	return s.GetUpload(uploadID)
}

func (s *Storage) GetUpload(uploadID string) (UploadRecord, error) {
	var rec UploadRecord
	var created, expiry int64
	var complete int
	err := s.db.QueryRow(
		`SELECT upload_id, file_name, sender_id, stored_size, created_at, expiry_at, complete FROM uploads WHERE upload_id = ?`,
		uploadID,
	).Scan(&rec.UploadID, &rec.FileName, &rec.SenderID, &rec.StoredSize, &created, &expiry, &complete)
	if err != nil {
		return UploadRecord{}, err
	}
	rec.CreatedAt = time.Unix(created, 0)
	rec.ExpiryAt = time.Unix(expiry, 0)
	rec.Complete = complete != 0
	return rec, nil
}

// RecordChunk appends a chunk's bookkeeping row and bumps storedSize.
// Chunks may arrive out of order (§4.8); the chunk table records which
// indices have landed without assuming contiguity.
func (s *Storage) RecordChunk(uploadID string, chunkIndex int, length int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO upload_chunks (upload_id, chunk_index, length) VALUES (?, ?, ?)`,
		uploadID, chunkIndex, length,
	); err != nil {
		return err
	}
	var total int64
	if err := tx.QueryRow(`SELECT COALESCE(SUM(length), 0) FROM upload_chunks WHERE upload_id = ?`, uploadID).Scan(&total); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE uploads SET stored_size = ? WHERE upload_id = ?`, total, uploadID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Storage) ChunkCount(uploadID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM upload_chunks WHERE upload_id = ?`, uploadID).Scan(&n)
	return n, err
}

func (s *Storage) MarkUploadComplete(uploadID string) error {
	_, err := s.db.Exec(`UPDATE uploads SET complete = 1 WHERE upload_id = ?`, uploadID)
	return err
}

// ExpiredUploads returns every upload session whose expiry has passed.
func (s *Storage) ExpiredUploads(now time.Time) ([]UploadRecord, error) {
	rows, err := s.db.Query(`SELECT upload_id, file_name, sender_id, stored_size, created_at, expiry_at, complete FROM uploads WHERE expiry_at < ?`, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UploadRecord
	for rows.Next() {
		var rec UploadRecord
		var created, expiry int64
		var complete int
		if err := rows.Scan(&rec.UploadID, &rec.FileName, &rec.SenderID, &rec.StoredSize, &created, &expiry, &complete); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(created, 0)
		rec.ExpiryAt = time.Unix(expiry, 0)
		rec.Complete = complete != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Storage) DeleteUpload(uploadID string) error {
	if _, err := s.db.Exec(`DELETE FROM upload_chunks WHERE upload_id = ?`, uploadID); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM uploads WHERE upload_id = ?`, uploadID)
	return err
}

// --- peers ---

type PeerRecord struct {
	PeerID      string
	DisplayName string
	PublicIP    string
	Port        int
	PublicKey   string
	LastSeen    time.Time
}

func (s *Storage) UpsertPeer(rec PeerRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO peers (peer_id, display_name, public_ip, port, public_key, last_seen) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET display_name = excluded.display_name, public_ip = excluded.public_ip,
		 port = excluded.port, public_key = excluded.public_key, last_seen = excluded.last_seen`,
		rec.PeerID, rec.DisplayName, rec.PublicIP, rec.Port, rec.PublicKey, rec.LastSeen.Unix(),
	)
	return err
}

func (s *Storage) TouchPeer(peerID string) error {
	res, err := s.db.Exec(`UPDATE peers SET last_seen = ? WHERE peer_id = ?`, time.Now().Unix(), peerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Storage) ListPeers(excludePeerID string) ([]PeerRecord, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, display_name, public_ip, port, public_key, last_seen FROM peers WHERE peer_id != ? ORDER BY peer_id`,
		excludePeerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PeerRecord
	for rows.Next() {
		var rec PeerRecord
		var lastSeen int64
		if err := rows.Scan(&rec.PeerID, &rec.DisplayName, &rec.PublicIP, &rec.Port, &rec.PublicKey, &lastSeen); err != nil {
			return nil, err
		}
		rec.LastSeen = time.Unix(lastSeen, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// EvictStalePeers removes peers not seen within timeout and returns how many were removed.
func (s *Storage) EvictStalePeers(timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	res, err := s.db.Exec(`DELETE FROM peers WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- file search index ---

type FileRecord struct {
	FileHash     string
	FileName     string
	Size         int64
	SenderID     string
	RegisteredAt time.Time
}

func (s *Storage) RegisterFile(rec FileRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO files (file_hash, file_name, size, sender_id, registered_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(file_hash) DO UPDATE SET file_name = excluded.file_name, size = excluded.size,
		 sender_id = excluded.sender_id, registered_at = excluded.registered_at`,
		rec.FileHash, rec.FileName, rec.Size, rec.SenderID, rec.RegisteredAt.Unix(),
	)
	return err
}

// SearchFiles returns files whose name contains query (substring match
// via SQLite LIKE, which ignores case for ASCII letters, close to the
// case-insensitive Index.Query of the node's flooded search), optionally
// excluding one sender.
func (s *Storage) SearchFiles(query, excludeSender string) ([]FileRecord, error) {
	rows, err := s.db.Query(
		`SELECT file_hash, file_name, size, sender_id, registered_at FROM files
		 WHERE file_name LIKE '%' || ? || '%' AND (? = '' OR sender_id != ?)
		 ORDER BY registered_at DESC`,
		query, excludeSender, excludeSender,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FileRecord
	for rows.Next() {
		var rec FileRecord
		var registeredAt int64
		if err := rows.Scan(&rec.FileHash, &rec.FileName, &rec.Size, &rec.SenderID, &registeredAt); err != nil {
			return nil, err
		}
		rec.RegisteredAt = time.Unix(registeredAt, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeFilesOlderThan removes search-index entries past retention, part of
// the §4.8 10-minute sweep ("uploads/files").
func (s *Storage) PurgeFilesOlderThan(age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).Unix()
	res, err := s.db.Exec(`DELETE FROM files WHERE registered_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- PIN registry ---

type PinRecord struct {
	PIN       string
	FileRefJSON string
	CreatedAt time.Time
	ExpiryAt  time.Time
}

func (s *Storage) CreatePin(rec PinRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO pins (pin, file_ref, created_at, expiry_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(pin) DO UPDATE SET file_ref = excluded.file_ref, created_at = excluded.created_at, expiry_at = excluded.expiry_at`,
		rec.PIN, rec.FileRefJSON, rec.CreatedAt.Unix(), rec.ExpiryAt.Unix(),
	)
	return err
}

func (s *Storage) FindPin(pin string) (PinRecord, error) {
	var rec PinRecord
	var created, expiry int64
	err := s.db.QueryRow(`SELECT pin, file_ref, created_at, expiry_at FROM pins WHERE pin = ?`, pin).
		Scan(&rec.PIN, &rec.FileRefJSON, &created, &expiry)
	if err != nil {
		return PinRecord{}, err
	}
	rec.CreatedAt = time.Unix(created, 0)
	rec.ExpiryAt = time.Unix(expiry, 0)
	if time.Now().After(rec.ExpiryAt) {
		return PinRecord{}, sql.ErrNoRows
	}
	return rec, nil
}

func (s *Storage) PurgeExpiredPins() (int, error) {
	res, err := s.db.Exec(`DELETE FROM pins WHERE expiry_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Storage) CountActivePeers() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM peers`).Scan(&n)
	return n, err
}

func (s *Storage) CountActiveUploads() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM uploads WHERE complete = 0`).Scan(&n)
	return n, err
}
