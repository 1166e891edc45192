package identity

import (
	"crypto/ed25519"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"clawlink/internal/domain"
)

// Store persists the device keypair and host-scoped device tokens in SQLite.
// The private key is encrypted at rest when a passphrase is provided.
type Store struct {
	db     *sql.DB
	cipher keyCipher
}

// NewStore opens (or creates) the identity database at dbPath and runs the
// schema migration. The parent directory is created if missing.
func NewStore(dbPath, passphrase string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create identity dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open identity db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate identity db: %w", err)
	}
	return &Store{db: db, cipher: keyCipher{passphrase: passphrase}}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS device_key (
			id          INTEGER PRIMARY KEY CHECK (id = 1),
			public_key  BLOB NOT NULL,
			private_key TEXT NOT NULL,
			created_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_tokens (
			host       TEXT PRIMARY KEY,
			token      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveKeypair stores the keypair, replacing any previous one.
func (s *Store) SaveKeypair(pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	sealed, err := s.cipher.Seal(priv)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEncryption, err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO device_key (id, public_key, private_key, created_at) VALUES (1, ?, ?, ?)",
		[]byte(pub), sealed, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrKeyStorage, err)
	}
	return nil
}

// LoadKeypair returns the stored keypair. Returns errNoKeypair when no key
// has been generated yet, or domain.ErrKeyStorage when the row exists but
// cannot be read or decrypted.
func (s *Store) LoadKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	var pub []byte
	var sealed string
	err := s.db.QueryRow("SELECT public_key, private_key FROM device_key WHERE id = 1").Scan(&pub, &sealed)
	if err == sql.ErrNoRows {
		return nil, nil, errNoKeypair
	}
	if err != nil {
		return nil, nil, domain.ErrKeyStorage
	}

	priv, err := s.cipher.Open(sealed)
	if err != nil {
		return nil, nil, domain.ErrKeyStorage
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, nil, domain.ErrKeyStorage
	}
	return ed25519.PublicKey(pub), ed25519.PrivateKey(priv), nil
}

// SaveToken stores a device token for a gateway host, replacing any previous one.
func (s *Store) SaveToken(host, token string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO device_tokens (host, token, updated_at) VALUES (?, ?, ?)",
		host, token, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return domain.WrapOp("identity.SaveToken", err)
}

// LoadToken returns the token stored for a gateway host.
func (s *Store) LoadToken(host string) (string, error) {
	var token string
	err := s.db.QueryRow("SELECT token FROM device_tokens WHERE host = ?", host).Scan(&token)
	if err == sql.ErrNoRows {
		return "", domain.ErrTokenNotFound
	}
	if err != nil {
		return "", domain.WrapOp("identity.LoadToken", err)
	}
	return token, nil
}

// ClearToken removes the token stored for a gateway host. Clearing a host
// with no token is not an error.
func (s *Store) ClearToken(host string) error {
	_, err := s.db.Exec("DELETE FROM device_tokens WHERE host = ?", host)
	return domain.WrapOp("identity.ClearToken", err)
}

// Wipe removes the keypair and every stored token.
func (s *Store) Wipe() error {
	if _, err := s.db.Exec("DELETE FROM device_key"); err != nil {
		return domain.WrapOp("identity.Wipe", err)
	}
	if _, err := s.db.Exec("DELETE FROM device_tokens"); err != nil {
		return domain.WrapOp("identity.Wipe", err)
	}
	return nil
}
