package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	nop, err := Open(ctx, "nop", "", "")
	req.NoError(err)
	req.IsType(&NopStore{}, nop)

	mem, err := Open(ctx, "badger", "", "")
	req.NoError(err)
	req.IsType(&BadgerStore{}, mem)
	req.NoError(mem.Close(ctx))

	_, err = Open(ctx, "postgres", "", "")
	req.ErrorContains(err, "db url is required")

	_, err = Open(ctx, "mongo", "", "")
	req.ErrorContains(err, "unknown storage driver")
}

func TestNopStore(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := NewNopStore()

	ok, err := s.AuthorizeJoin(ctx, testUser(), "any")
	req.NoError(err)
	req.True(ok)

	persistent, err := s.IsPersistent(ctx, "any")
	req.NoError(err)
	req.False(persistent)

	history, err := s.ListHistory(ctx, "any", 10)
	req.NoError(err)
	req.NotNil(history)
	req.Empty(history)

	req.ErrorIs(s.CreateStaticRoom(ctx, "any", "owner"), ErrStorage)
	req.ErrorIs(s.AddMember(ctx, "any", "user"), ErrNotFound)
}

func TestClampLimit(t *testing.T) {
	req := require.New(t)
	req.Equal(DefaultHistoryLimit, clampLimit(0))
	req.Equal(DefaultHistoryLimit, clampLimit(-4))
	req.Equal(DefaultHistoryLimit, clampLimit(5000))
	req.Equal(20, clampLimit(20))
}
