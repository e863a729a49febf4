package postgres

import (
	"fmt"
	"testing"
	"time"

	"github.com/cwrk-planet/coderoom/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	in := Cursor{CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 123000, time.UTC), ID: "c-42"}
	s, err := EncodeCursor(in)
	require.NoError(t, err)

	out, err := DecodeCursor(s)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.ID, out.ID)
}

func TestDecodeCursor_Empty(t *testing.T) {
	c, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, c)

	createdAt, id := cursorArgs(c)
	assert.Nil(t, createdAt)
	assert.Nil(t, id)
}

func TestDecodeCursor_Invalid(t *testing.T) {
	for _, s := range []string{"%%%", "bm90LWpzb24", "e30"} { // garbage, "not-json", "{}"
		_, err := DecodeCursor(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 20, clampLimit(0, 20, 100))
	assert.Equal(t, 20, clampLimit(-5, 20, 100))
	assert.Equal(t, 7, clampLimit(7, 20, 100))
	assert.Equal(t, 100, clampLimit(1000, 20, 100))
}

func TestMapPgError(t *testing.T) {
	assert.ErrorIs(t, mapPgError(pgx.ErrNoRows), domain.ErrConversationNotFound)
	assert.ErrorIs(t, mapPgError(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23503"})), domain.ErrConversationNotFound)
	assert.ErrorIs(t, mapPgError(&pgconn.PgError{Code: "23514"}), domain.ErrInvalidConversation)

	other := &pgconn.PgError{Code: "40001"}
	assert.Same(t, other, mapPgError(other))
}

func TestConfigApply(t *testing.T) {
	pc, err := pgxpool.ParseConfig("postgres://u:p@localhost:5432/db")
	require.NoError(t, err)
	defMin := pc.MinConns

	Config{MaxConns: 7, MaxConnIdleTime: time.Minute, ApplicationName: "coderoom"}.apply(pc)
	assert.Equal(t, int32(7), pc.MaxConns)
	assert.Equal(t, defMin, pc.MinConns)
	assert.Equal(t, time.Minute, pc.MaxConnIdleTime)
	assert.Equal(t, "coderoom", pc.ConnConfig.RuntimeParams["application_name"])
}
