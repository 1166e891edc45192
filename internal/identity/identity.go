package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"clawlink/internal/domain"
)

// canonicalDelimiter joins the signed claim fields. The delimiter, field
// order, and scope separator are part of the wire contract with the gateway
// verifier; changing any of them invalidates every enrolled device.
const canonicalDelimiter = "|"

// SignClaim is the identity block covered by a device signature.
type SignClaim struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAt   int64 // unix milliseconds
	Token      string
	Nonce      string
}

// Proof is a completed signature over a SignClaim.
type Proof struct {
	PublicKey string // base64url, raw 32 bytes
	Signature string // base64url
	SignedAt  int64
	Nonce     string
}

// Manager owns the device keypair. The private key never leaves this package;
// callers get the device id, the encoded public key, and signatures.
type Manager struct {
	store  *Store
	logger *slog.Logger

	mu   sync.Mutex
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewManager creates a Manager backed by the given store.
func NewManager(store *Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// EnsureKeypair loads the stored keypair or generates and persists a new one
// on first use. Subsequent calls return the cached key.
func (m *Manager) EnsureKeypair() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureKeypairLocked()
}

func (m *Manager) ensureKeypairLocked() error {
	if m.priv != nil {
		return nil
	}

	pub, priv, err := m.store.LoadKeypair()
	switch {
	case err == nil:
		m.pub, m.priv = pub, priv
		return nil
	case errors.Is(err, errNoKeypair):
		// First use: generate below.
	default:
		return domain.NewDomainError("identity.EnsureKeypair", domain.ErrKeyStorage, err.Error())
	}

	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return domain.WrapOp("identity.EnsureKeypair", err)
	}
	if err := m.store.SaveKeypair(pub, priv); err != nil {
		return domain.NewDomainError("identity.EnsureKeypair", domain.ErrKeyStorage, err.Error())
	}

	m.pub, m.priv = pub, priv
	m.logger.Info("generated new device keypair", "device_id", deviceIDFor(pub))
	return nil
}

// DeviceID returns the stable device identifier: the hex SHA-256 digest of
// the raw public key.
func (m *Manager) DeviceID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureKeypairLocked(); err != nil {
		return "", err
	}
	return deviceIDFor(m.pub), nil
}

// PublicKey returns the base64url encoding of the raw 32-byte public key.
func (m *Manager) PublicKey() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureKeypairLocked(); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(m.pub), nil
}

// Sign produces a signature over the canonical serialization of claim.
func (m *Manager) Sign(claim SignClaim) (Proof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureKeypairLocked(); err != nil {
		return Proof{}, err
	}

	sig := ed25519.Sign(m.priv, []byte(CanonicalPayload(claim)))
	return Proof{
		PublicKey: base64.RawURLEncoding.EncodeToString(m.pub),
		Signature: base64.RawURLEncoding.EncodeToString(sig),
		SignedAt:  claim.SignedAt,
		Nonce:     claim.Nonce,
	}, nil
}

// StoreToken persists a device token scoped to the given gateway host.
func (m *Manager) StoreToken(host, token string) error {
	return m.store.SaveToken(host, token)
}

// LoadToken returns the stored token for a gateway host, or
// domain.ErrTokenNotFound.
func (m *Manager) LoadToken(host string) (string, error) {
	return m.store.LoadToken(host)
}

// ClearToken removes the stored token for a gateway host.
func (m *Manager) ClearToken(host string) error {
	return m.store.ClearToken(host)
}

// Wipe deletes the keypair and all stored tokens. The next EnsureKeypair
// call generates a fresh identity.
func (m *Manager) Wipe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priv, m.pub = nil, nil
	return m.store.Wipe()
}

// CanonicalPayload returns the exact string covered by a device signature.
func CanonicalPayload(c SignClaim) string {
	return strings.Join([]string{
		c.DeviceID,
		c.ClientID,
		c.ClientMode,
		c.Role,
		strings.Join(c.Scopes, ","),
		strconv.FormatInt(c.SignedAt, 10),
		c.Token,
		c.Nonce,
	}, canonicalDelimiter)
}

// Verify checks a base64url signature over canonical text against a
// base64url raw public key.
func Verify(publicKeyB64, canonical, signatureB64 string) bool {
	pub, err := base64.RawURLEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(canonical), sig)
}

func deviceIDFor(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

var errNoKeypair = fmt.Errorf("no keypair stored")
