package domain

import "time"

// ConnectionStatus tracks the liveness of a connection.
type ConnectionStatus string

const (
	ConnectionUntested  ConnectionStatus = "untested"
	ConnectionConnected ConnectionStatus = "connected"
	ConnectionFailed    ConnectionStatus = "failed"
)

// ConnectionConfig describes how to reach one external data store.
// EncryptedSecrets is the sealed credential bundle; plaintext never lives here.
type ConnectionConfig struct {
	Key              string
	Name             string
	Type             string
	EncryptedSecrets []byte
	Status           ConnectionStatus
	LastTestedAt     time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Redacted returns a copy safe for logs and API output.
func (c ConnectionConfig) Redacted() ConnectionConfig {
	c.EncryptedSecrets = nil
	return c
}
