package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/domain"
)

// Connection types this package registers.
const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
)

// Secret keys read from the decrypted credential bundle. A "url" secret, when
// present, is used verbatim as the DSN.
const (
	SecretURL      = "url"
	SecretHost     = "host"
	SecretPort     = "port"
	SecretUsername = "username"
	SecretPassword = "password"
	SecretDBName   = "dbname"
	SecretSSLMode  = "sslmode"
)

// Register adds the Postgres and MySQL factories to r.
func Register(r *connector.Registry) {
	r.Register(TypePostgres, PostgresFactory)
	r.Register(TypeMySQL, MySQLFactory)
}

// PostgresFactory opens a Postgres connector through lib/pq.
func PostgresFactory(cfg domain.ConnectionConfig, creds connector.Credentials) (connector.Connector, error) {
	dsn, err := PostgresDSN(creds)
	if err != nil {
		return nil, connector.Permanent(cfg.Key, "open", err)
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, connector.Permanent(cfg.Key, "open", err)
	}
	return New(db, sqlbuilder.PostgreSQL, cfg.Key), nil
}

// MySQLFactory opens a MySQL connector through go-sql-driver/mysql.
func MySQLFactory(cfg domain.ConnectionConfig, creds connector.Credentials) (connector.Connector, error) {
	dsn, err := MySQLDSN(creds)
	if err != nil {
		return nil, connector.Permanent(cfg.Key, "open", err)
	}
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, connector.Permanent(cfg.Key, "open", err)
	}
	return New(db, sqlbuilder.MySQL, cfg.Key), nil
}

// PostgresDSN builds a connection URL from the credential bundle.
func PostgresDSN(creds connector.Credentials) (string, error) {
	if dsn, ok := secret(creds, SecretURL); ok {
		return dsn, nil
	}
	host, ok := secret(creds, SecretHost)
	if !ok {
		return "", fmt.Errorf("missing secret %q", SecretHost)
	}
	if port, ok := secret(creds, SecretPort); ok {
		host = net.JoinHostPort(host, port)
	}

	u := &url.URL{Scheme: "postgres", Host: host}
	if user, ok := secret(creds, SecretUsername); ok {
		if password, ok := secret(creds, SecretPassword); ok {
			u.User = url.UserPassword(user, password)
		} else {
			u.User = url.User(user)
		}
	}
	if name, ok := secret(creds, SecretDBName); ok {
		u.Path = "/" + name
	}
	query := url.Values{}
	if mode, ok := secret(creds, SecretSSLMode); ok {
		query.Set("sslmode", mode)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// MySQLDSN builds a go-sql-driver DSN from the credential bundle.
func MySQLDSN(creds connector.Credentials) (string, error) {
	if dsn, ok := secret(creds, SecretURL); ok {
		return dsn, nil
	}
	host, ok := secret(creds, SecretHost)
	if !ok {
		return "", fmt.Errorf("missing secret %q", SecretHost)
	}
	port, ok := secret(creds, SecretPort)
	if !ok {
		port = "3306"
	}

	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, port)
	cfg.User, _ = secret(creds, SecretUsername)
	cfg.Passwd, _ = secret(creds, SecretPassword)
	cfg.DBName, _ = secret(creds, SecretDBName)
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

func secret(creds connector.Credentials, key string) (string, bool) {
	if creds == nil {
		return "", false
	}
	v, ok := creds.Get(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// MySQL server error numbers.
const (
	mysqlAccessDenied       = 1045
	mysqlDBAccessDenied     = 1044
	mysqlTooManyConnections = 1040
	mysqlLockWaitTimeout    = 1205
	mysqlDeadlock           = 1213
)

// classify maps driver failures onto connector error kinds.
func classify(connection, op string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return wrapKind(classifyPostgres(pqErr), connection, op, err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return wrapKind(classifyMySQL(myErr), connection, op, err)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, mysql.ErrInvalidConn),
		errors.As(err, &netErr):
		return connector.Transient(connection, op, err)
	}
	return connector.Permanent(connection, op, err)
}

func classifyPostgres(err *pq.Error) domain.ConnectorErrorKind {
	code := string(err.Code)
	switch {
	case strings.HasPrefix(code, "28"):
		return domain.ConnectorAuthFailure
	case strings.HasPrefix(code, "08"), // connection exception
		strings.HasPrefix(code, "40"), // serialization failure, deadlock
		strings.HasPrefix(code, "53"), // insufficient resources
		strings.HasPrefix(code, "57P"): // operator intervention, shutdown
		return domain.ConnectorTransient
	}
	return domain.ConnectorPermanent
}

func classifyMySQL(err *mysql.MySQLError) domain.ConnectorErrorKind {
	switch err.Number {
	case mysqlAccessDenied, mysqlDBAccessDenied:
		return domain.ConnectorAuthFailure
	case mysqlTooManyConnections, mysqlLockWaitTimeout, mysqlDeadlock:
		return domain.ConnectorTransient
	}
	return domain.ConnectorPermanent
}

func wrapKind(kind domain.ConnectorErrorKind, connection, op string, err error) error {
	switch kind {
	case domain.ConnectorAuthFailure:
		return connector.AuthFailure(connection, op, err)
	case domain.ConnectorTransient:
		return connector.Transient(connection, op, err)
	}
	return connector.Permanent(connection, op, err)
}
