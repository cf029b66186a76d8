// Copyright 2026 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib" // Blank import to register SQL driver
	migrate "github.com/rubenv/sql-migrate"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ ConnectionPersistenceStore = (*PostgresConnectionStore)(nil)

type PostgresConnectionStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewPostgresConnectionStore(ctx context.Context, logger, startupLogger *zap.Logger, config *DatabaseConfig) (*PostgresConnectionStore, error) {
	db, err := DbConnect(ctx, startupLogger, config)
	if err != nil {
		return nil, err
	}

	migrate.SetTable(config.MigrationsTable)
	source := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationsFS,
		Root:       "migrations",
	}
	applied, err := migrate.Exec(db, "postgres", source, migrate.Up)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply connection store migrations: %w", classifyPostgresError(err))
	}
	startupLogger.Info("Connection store migrations applied", zap.Int("count", applied))

	return &PostgresConnectionStore{
		logger: logger,
		db:     db,
	}, nil
}

// DbConnect opens the pool and waits for the first successful ping.
func DbConnect(ctx context.Context, logger *zap.Logger, config *DatabaseConfig) (*sql.DB, error) {
	if len(config.Addresses) == 0 {
		return nil, errors.New("no database address configured")
	}
	rawURL := config.Addresses[0]
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("bad database connection URL: %w", err)
	}
	if parsedURL.Scheme == "" {
		parsedURL.Scheme = "postgresql"
	}
	query := parsedURL.Query()
	if len(query.Get("sslmode")) == 0 {
		query.Set("sslmode", "prefer")
	}
	if len(query.Get("connect_timeout")) == 0 {
		query.Set("connect_timeout", fmt.Sprintf("%d", int(config.GetDialTimeout().Seconds())))
	}
	parsedURL.RawQuery = query.Encode()

	logger.Debug("Connecting to database", zap.String("host", parsedURL.Host), zap.String("database", parsedURL.Path))
	db, err := sql.Open("pgx", parsedURL.String())
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	db.SetConnMaxLifetime(time.Millisecond * time.Duration(config.ConnMaxLifetimeMs))
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)

	pingCtx, pingCtxCancelFn := context.WithTimeout(ctx, config.GetDialTimeout())
	defer pingCtxCancelFn()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}

	var version string
	if err := db.QueryRowContext(pingCtx, "SELECT version()").Scan(&version); err == nil {
		logger.Info("Database information", zap.String("version", version))
	}

	return db, nil
}

func (s *PostgresConnectionStore) Save(ctx context.Context, connID uuid.UUID, key ConversationKey) error {
	query := `
INSERT INTO connection_group (connection_id, conversation_key, create_time)
VALUES ($1, $2, now())
ON CONFLICT (connection_id)
DO UPDATE SET conversation_key = $2, create_time = now()`
	if _, err := s.db.ExecContext(ctx, query, connID, string(key)); err != nil {
		return classifyPostgresError(err)
	}
	return nil
}

func (s *PostgresConnectionStore) Delete(ctx context.Context, connID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM connection_group WHERE connection_id = $1", connID); err != nil {
		return classifyPostgresError(err)
	}
	return nil
}

func (s *PostgresConnectionStore) LoadAll(ctx context.Context) ([]*ConnectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT connection_id, conversation_key, create_time FROM connection_group ORDER BY create_time")
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	defer rows.Close()

	records := make([]*ConnectionRecord, 0, 10)
	for rows.Next() {
		var connID uuid.UUID
		var key string
		var createTime time.Time
		if err := rows.Scan(&connID, &key, &createTime); err != nil {
			return nil, classifyPostgresError(err)
		}
		records = append(records, &ConnectionRecord{
			ConnectionID:    connID,
			ConversationKey: ConversationKey(key),
			CreateTime:      createTime,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(err)
	}

	return records, nil
}

func (s *PostgresConnectionStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	return nil
}

func (s *PostgresConnectionStore) Close() error {
	return s.db.Close()
}

// classifyPostgresError wraps err with ErrStoreUnreachable when the server
// cannot be reached at all, and with ErrPersistence otherwise.
func classifyPostgresError(err error) error {
	if isPostgresUnreachable(err) {
		return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

func isPostgresUnreachable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsOperatorIntervention(pgErr.Code) ||
			pgerrcode.IsInsufficientResources(pgErr.Code)
	}
	if errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
