package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// openTimeout bounds the first ping of a new pool.
const openTimeout = 10 * time.Second

type opener func(cfg domain.RepositoryConfig) (driverName, dsn string, err error)

var openers = map[string]opener{
	"sqlite":   sqliteDSN,
	"postgres": postgresDSN,
}

// sqlitePragmas apply to every pooled connection. WAL lets the API read
// while a detection run is writing.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// sqliteDSN uses modernc.org/sqlite, so no cgo toolchain is required.
func sqliteDSN(cfg domain.RepositoryConfig) (string, string, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./kestrel.db"
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", fmt.Errorf("create database directory: %w", err)
		}
	}

	q := make([]string, len(sqlitePragmas))
	for i, p := range sqlitePragmas {
		q[i] = "_pragma=" + p
	}
	return "sqlite", "file:" + path + "?" + strings.Join(q, "&"), nil
}

func postgresDSN(cfg domain.RepositoryConfig) (string, string, error) {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	db := cfg.PostgresDB
	if db == "" {
		db = "kestrel"
	}
	sslMode := cfg.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/" + db,
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", "kestrel")
	u.RawQuery = q.Encode()
	return "postgres", u.String(), nil
}

// open builds the DSN for cfg.Driver, applies the pool limits and checks
// the server is reachable.
func open(cfg domain.RepositoryConfig) (*sql.DB, error) {
	build, ok := openers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	driverName, dsn, err := build(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.Driver, err)
	}
	return db, nil
}
