// Package secrets seals connection credentials at rest and hands decrypted
// values to callers for the duration of a single function call.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/storage"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sync/singleflight"
)

// KeySize is the length of the sealing key in bytes.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrNoSecrets is reported when a connection has no sealed bundle.
	ErrNoSecrets = errors.New("connection has no stored secrets")
	// ErrInvalidKey is returned for sealing keys of the wrong size.
	ErrInvalidKey = fmt.Errorf("secrets key must be %d bytes", KeySize)
)

// Config configures a Store.
type Config struct {
	Key         []byte
	Connections storage.ConnectionRepository
	Connectors  *connector.Registry
	Logger      *slog.Logger
	Now         func() time.Time
}

// Store seals and opens connection secrets.
type Store struct {
	key         []byte
	connections storage.ConnectionRepository
	connectors  *connector.Registry
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	tests singleflight.Group
}

// NewStore validates the key and builds a store.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Key) != KeySize {
		return nil, ErrInvalidKey
	}
	if cfg.Connections == nil {
		return nil, errors.New("secrets: connection repository is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		key:         append([]byte(nil), cfg.Key...),
		connections: cfg.Connections,
		connectors:  cfg.Connectors,
		logger:      logger,
		now:         now,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// ParseKey decodes a hex or base64 encoded sealing key.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if len(encoded) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(encoded); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode secrets key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// GenerateKey returns a random sealing key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Store seals bundle for cfg.Key and persists the connection. The bundle map
// is emptied before returning.
func (s *Store) Store(ctx context.Context, cfg domain.ConnectionConfig, bundle map[string]string) error {
	defer clear(bundle)

	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode secrets for %s: %w", cfg.Key, err)
	}
	defer wipe(plaintext)

	sealed, err := s.seal(cfg.Key, plaintext)
	if err != nil {
		return fmt.Errorf("seal secrets for %s: %w", cfg.Key, err)
	}
	cfg.EncryptedSecrets = sealed
	cfg.Status = domain.ConnectionUntested
	if err := s.connections.SaveConnection(ctx, cfg); err != nil {
		return fmt.Errorf("save connection %s: %w", cfg.Key, err)
	}
	s.logger.Info("stored connection secrets", "connection", cfg.Key, "type", cfg.Type, "secret_count", len(bundle))
	return nil
}

// WithDecrypted opens the secrets of a connection and passes them to fn. The
// credentials are wiped when fn returns and must not be retained. Decryption
// is serialized per connection.
func (s *Store) WithDecrypted(ctx context.Context, key string, fn func(cfg domain.ConnectionConfig, creds connector.Credentials) error) error {
	cfg, err := s.connections.GetConnection(ctx, key)
	if err != nil {
		return err
	}

	creds, err := s.decrypt(cfg)
	if err != nil {
		return err
	}
	defer creds.wipe()

	return fn(cfg.Redacted(), creds)
}

// TestConnection opens the connector inside WithDecrypted, runs its Test and
// records the resulting liveness status. Concurrent calls for the same
// connection share one test.
func (s *Store) TestConnection(ctx context.Context, key string) (domain.ConnectionStatus, error) {
	if s.connectors == nil {
		return domain.ConnectionUntested, errors.New("secrets: connector registry is required to test connections")
	}

	v, err, _ := s.tests.Do(key, func() (any, error) {
		testErr := s.WithDecrypted(ctx, key, func(cfg domain.ConnectionConfig, creds connector.Credentials) error {
			conn, err := s.connectors.Open(cfg, creds)
			if err != nil {
				return err
			}
			defer conn.Close()
			return conn.Test(ctx)
		})
		if errors.Is(testErr, domain.ErrConnectionNotFound) {
			return domain.ConnectionUntested, testErr
		}

		status := domain.ConnectionConnected
		if testErr != nil {
			status = domain.ConnectionFailed
		}
		if err := s.connections.UpdateStatus(ctx, key, status, s.now()); err != nil {
			return status, fmt.Errorf("record status of %s: %w", key, err)
		}

		if testErr != nil {
			s.logger.Warn("connection test failed", "connection", key, "error", testErr)
		} else {
			s.logger.Info("connection test succeeded", "connection", key)
		}
		return status, testErr
	})
	return v.(domain.ConnectionStatus), err
}

func (s *Store) decrypt(cfg domain.ConnectionConfig) (*credentials, error) {
	lock := s.lockFor(cfg.Key)
	lock.Lock()
	defer lock.Unlock()

	if len(cfg.EncryptedSecrets) == 0 {
		return nil, &domain.DecryptionError{ConnectionKey: cfg.Key, Err: ErrNoSecrets}
	}
	plaintext, err := s.open(cfg.Key, cfg.EncryptedSecrets)
	if err != nil {
		return nil, &domain.DecryptionError{ConnectionKey: cfg.Key, Err: err}
	}
	defer wipe(plaintext)

	var raw map[string]string
	if err := json.Unmarshal(plaintext, &raw); err != nil {
		return nil, &domain.DecryptionError{ConnectionKey: cfg.Key, Err: fmt.Errorf("decode bundle: %w", err)}
	}
	creds := &credentials{values: make(map[string][]byte, len(raw))}
	for k, v := range raw {
		creds.values[k] = []byte(v)
	}
	return creds, nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// seal returns nonce||ciphertext with the connection key as associated data,
// so a bundle copied onto another connection fails to open.
func (s *Store) seal(connectionKey string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(connectionKey)), nil
}

func (s *Store) open(connectionKey string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed bundle is truncated")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(connectionKey))
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	return plaintext, nil
}

// credentials implements connector.Credentials over wipeable buffers.
type credentials struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func (c *credentials) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.values[key]
	if !ok {
		return "", false
	}
	return string(v), true
}

func (c *credentials) wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.values {
		wipe(v)
		delete(c.values, k)
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
