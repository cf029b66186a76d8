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
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConnectionStore exercises the behaviour every store must share. The
// store must start empty.
func testConnectionStore(t *testing.T, store ConnectionPersistenceStore) {
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	records, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Empty(t, records)

	connA, connB := newID(t), newID(t)
	keyAB := mustKey(t, newID(t), newID(t))
	keyAC := mustKey(t, newID(t), newID(t))

	require.NoError(t, store.Save(ctx, connA, keyAB))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.Save(ctx, connB, keyAB))
	// Saving again replaces, there is one record per connection.
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.Save(ctx, connA, keyAC))

	records, err = store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, connB, records[0].ConnectionID, "oldest first")
	assert.Equal(t, keyAB, records[0].ConversationKey)
	assert.Equal(t, connA, records[1].ConnectionID)
	assert.Equal(t, keyAC, records[1].ConversationKey)
	assert.False(t, records[0].CreateTime.IsZero())

	require.NoError(t, store.Delete(ctx, connA))
	require.NoError(t, store.Delete(ctx, connA), "deleting a missing record is not an error")
	require.NoError(t, store.Delete(ctx, connB))

	records, err = store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMemoryConnectionStore(t *testing.T) {
	testConnectionStore(t, NewMemoryConnectionStore())
}

func TestMemoryConnectionStoreReturnsCopies(t *testing.T) {
	store := NewMemoryConnectionStore()
	connID := newID(t)
	key := mustKey(t, newID(t), newID(t))
	require.NoError(t, store.Save(context.Background(), connID, key))

	records, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	records[0].ConversationKey = "changed"

	records, err = store.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, key, records[0].ConversationKey)
}

func TestNewConnectionStoreUnknownKind(t *testing.T) {
	logger := loggerForTest(t)
	c := NewConfig(logger)
	c.Database.Store = "cassandra"

	_, err := NewConnectionStore(context.Background(), logger, logger, c)
	assert.Error(t, err)

	c.Database.Store = StoreKindMemory
	store, err := NewConnectionStore(context.Background(), logger, logger, c)
	require.NoError(t, err)
	assert.IsType(t, &MemoryConnectionStore{}, store)
}

func TestPostgresConnectionStore(t *testing.T) {
	address := os.Getenv("TEST_DB_URL")
	if address == "" {
		t.Skip("TEST_DB_URL not set")
	}
	logger := loggerForTest(t)
	config := NewDatabaseConfig()
	config.Store = StoreKindPostgres
	config.Addresses = []string{address}

	store, err := NewPostgresConnectionStore(context.Background(), logger, logger, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.db.Exec("DELETE FROM connection_group")
	require.NoError(t, err)

	testConnectionStore(t, store)
}

func TestPostgresConnectionStoreUnreachable(t *testing.T) {
	logger := loggerForTest(t)
	config := NewDatabaseConfig()
	config.Addresses = []string{"postgresql://realtime@127.0.0.1:1/realtime"}
	config.DialTimeoutMs = 500

	_, err := NewPostgresConnectionStore(context.Background(), logger, logger, config)
	assert.ErrorIs(t, err, ErrStoreUnreachable)
}

func TestClassifyPostgresError(t *testing.T) {
	assert.ErrorIs(t, classifyPostgresError(&pgconn.PgError{Code: pgerrcode.AdminShutdown}), ErrStoreUnreachable)
	assert.ErrorIs(t, classifyPostgresError(&pgconn.PgError{Code: pgerrcode.ConnectionFailure}), ErrStoreUnreachable)
	assert.ErrorIs(t, classifyPostgresError(&pgconn.PgError{Code: pgerrcode.UniqueViolation}), ErrPersistence)
	assert.ErrorIs(t, classifyPostgresError(errors.New("syntax")), ErrPersistence)
}

func TestRedisConnectionStore(t *testing.T) {
	address := os.Getenv("TEST_REDIS_ADDRESS")
	if address == "" {
		t.Skip("TEST_REDIS_ADDRESS not set")
	}
	logger := loggerForTest(t)
	config := NewRedisConfig()
	config.Address = address
	config.KeyPrefix = "realtime-test-" + uuid.Must(uuid.NewV4()).String()

	store, err := NewRedisConnectionStore(logger, logger, config)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.redisClient.Del(store.hashKey).Err()
		_ = store.Close()
	})

	testConnectionStore(t, store)

	// Unreadable values are still returned so they can be purged.
	connID := newID(t)
	require.NoError(t, store.redisClient.HSet(store.hashKey, connID.String(), "{").Err())
	records, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, connID, records[0].ConnectionID)

	// Fields that are not connection IDs are dropped from the hash on load.
	require.NoError(t, store.redisClient.HSet(store.hashKey, "not-a-connection", "{}").Err())
	records, err = store.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	exists, err := store.redisClient.HExists(store.hashKey, "not-a-connection").Result()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisConnectionStoreUnreachable(t *testing.T) {
	logger := loggerForTest(t)
	config := NewRedisConfig()
	config.Address = "127.0.0.1:1"
	config.DialTimeoutMs = 500

	_, err := NewRedisConnectionStore(logger, logger, config)
	assert.ErrorIs(t, err, ErrStoreUnreachable)

	store := newRedisConnectionStore(logger, redis.NewClient(config.Options()), config.Key("connection_groups"))
	t.Cleanup(func() { _ = store.Close() })
	assert.ErrorIs(t, store.Ping(context.Background()), ErrStoreUnreachable)
	assert.ErrorIs(t, store.Save(context.Background(), newID(t), mustKey(t, newID(t), newID(t))), ErrStoreUnreachable)

	assert.ErrorIs(t, classifyRedisError(io.EOF), ErrStoreUnreachable)
	assert.ErrorIs(t, classifyRedisError(redis.Nil), ErrPersistence)
}
