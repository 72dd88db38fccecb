package warmup

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSource(t *testing.T) (*PostgresSource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresSource(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresSource_Profile(t *testing.T) {
	src, mock := newMockSource(t)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM profiles WHERE id = $1")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "full_name", "role", "avatar_url", "created_at"}).
			AddRow("u1", "ana@escola.br", "Ana", "teacher", nil, created))

	p, err := src.Profile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", p.FullName)
	assert.Nil(t, p.AvatarURL)
	assert.Equal(t, created, p.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSource_NotFound(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM classes WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "subject", "created_by", "created_at"}))

	_, err := src.Class(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSource_Notifications(t *testing.T) {
	src, mock := newMockSource(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM notifications WHERE user_id = $1")).
		WithArgs("u1", 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "message", "type", "is_read", "created_at"}).
			AddRow("n1", "u1", "Nova atividade", "Lista 1 publicada", "activity", false, now).
			AddRow("n2", "u1", "Nota lançada", "Prova 1", "grade", true, now))

	got, err := src.Notifications(context.Background(), "u1", 20)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[1].Read)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSource_UserClassIDs(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT class_id FROM class_members WHERE user_id = $1")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"class_id"}).AddRow("c1").AddRow("c2"))

	ids, err := src.UserClassIDs(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)
}

func TestPostgresSource_QueryError(t *testing.T) {
	src, mock := newMockSource(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM class_members m JOIN profiles")).
		WithArgs("c1").
		WillReturnError(assert.AnError)

	_, err := src.ClassMembers(context.Background(), "c1")
	assert.ErrorIs(t, err, assert.AnError)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = cache.Close() })
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "profile:u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "profile:u1", []byte(`{"id":"u1"}`), time.Hour))
	assert.True(t, mr.Exists("cache:profile:u1"))
	assert.Equal(t, time.Hour, mr.TTL("cache:profile:u1"))

	data, ok, err := cache.Get(ctx, "profile:u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"id":"u1"}`, string(data))

	mr.FastForward(time.Hour)
	_, ok, err = cache.Get(ctx, "profile:u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrchestrator_WithRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	o := newOrchestrator(newFakeSource(), cache)

	report, err := o.Run(context.Background(), Request{CacheKeys: []string{"class:c1", "class:c2"}})
	require.NoError(t, err)
	assert.True(t, report.AllSucceeded())
	assert.True(t, mr.Exists("cache:class:c2"))
}
