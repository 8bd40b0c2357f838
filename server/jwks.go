package server

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	jwksFileName   = "jwks.json"
	signingKeyBits = 2048
)

type signingKey struct {
	priv *rsa.PrivateKey
	jwk  jose.JSONWebKey
}

// JWKSManager owns the RSA keys delegated tokens are signed with. The
// active key signs; the one it replaced stays published until the next
// rotation so tokens minted just before a rotation still verify.
type JWKSManager struct {
	mu          sync.RWMutex
	active      *signingKey
	retired     *signingKey
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewJWKSManager loads keys from secretsDir or creates them. An empty dir keeps keys in memory only.
func NewJWKSManager(secretsDir string, rotateEvery time.Duration, logger *slog.Logger) (*JWKSManager, error) {
	m := &JWKSManager{rotateEvery: rotateEvery, logger: logger}
	if secretsDir != "" {
		m.storePath = filepath.Join(secretsDir, jwksFileName)
		switch err := m.load(); {
		case err == nil:
			logger.Info("signing keys loaded", "path", m.storePath, "kid", m.active.jwk.KeyID)
			return m, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
	}
	if err := m.rotate(); err != nil {
		return nil, fmt.Errorf("create signing key: %w", err)
	}
	return m, nil
}

// StartRotation rotates keys every rotateEvery until stop is closed.
func (m *JWKSManager) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := m.rotate(); err != nil {
					m.logger.Error("signing key rotation failed", "error", err)
				}
			}
		}
	}()
}

// Sign signs claims with the active key.
func (m *JWKSManager) Sign(claims jwt.MapClaims) (string, error) {
	m.mu.RLock()
	key := m.active
	m.mu.RUnlock()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.jwk.KeyID
	return token.SignedString(key.priv)
}

// PublicJWKS is the document served at /.well-known/jwks.json.
func (m *JWKSManager) PublicJWKS() jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{}
	for _, k := range m.keys() {
		set.Keys = append(set.Keys, k.jwk.Public())
	}
	return set
}

// PublicKeys returns the verification keys, active first.
func (m *JWKSManager) PublicKeys() []crypto.PublicKey {
	var out []crypto.PublicKey
	for _, k := range m.keys() {
		out = append(out, &k.priv.PublicKey)
	}
	return out
}

func (m *JWKSManager) keys() []*signingKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.retired == nil {
		return []*signingKey{m.active}
	}
	return []*signingKey{m.active, m.retired}
}

func (m *JWKSManager) rotate() error {
	next, err := newSigningKey()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.retired, m.active = m.active, next
	m.mu.Unlock()

	m.logger.Info("signing key rotated", "kid", next.jwk.KeyID)
	return m.save()
}

func newSigningKey() (*signingKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, err
	}
	jwk := jose.JSONWebKey{Key: priv, Algorithm: string(jose.RS256), Use: "sig"}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("key thumbprint: %w", err)
	}
	jwk.KeyID = base64.RawURLEncoding.EncodeToString(thumb)
	return &signingKey{priv: priv, jwk: jwk}, nil
}

// save writes the private key set, active first. Without a store path it is a no-op.
func (m *JWKSManager) save() error {
	if m.storePath == "" {
		return nil
	}
	var set jose.JSONWebKeySet
	for _, k := range m.keys() {
		set.Keys = append(set.Keys, k.jwk)
	}
	payload, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *JWKSManager) load() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}

	var loaded []*signingKey
	for _, jwk := range set.Keys {
		if priv, ok := jwk.Key.(*rsa.PrivateKey); ok {
			loaded = append(loaded, &signingKey{priv: priv, jwk: jwk})
		}
	}
	if len(loaded) == 0 {
		return errors.New("no private RSA keys in jwks file")
	}
	m.active = loaded[0]
	if len(loaded) > 1 {
		m.retired = loaded[1]
	}
	return nil
}
