package core_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/dkeye/Chat/internal/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestBroadcaster_PersistsInPublishOrder(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockStore := mocks.NewMockMessageStore(ctrl)

	var stored []uint64
	deadlines := 0
	// Given the store accepts every write
	mockStore.EXPECT().PersistMessage(gomock.Any(), domain.RoomID("general"), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ domain.RoomID, env core.Envelope) error {
			if _, ok := ctx.Deadline(); ok {
				deadlines++
			}
			stored = append(stored, env.Seq())
			return nil
		}).
		Times(3)

	b := core.NewBroadcaster("general", core.BroadcasterOptions{Store: mockStore})
	req.True(b.Persistent())

	// When three messages are published
	for _, text := range []string{"a", "b", "c"} {
		_, err := b.Publish(core.TypePlaintext, core.Plaintext{Content: text}, nil, nil)
		req.NoError(err)
	}

	// Then closing waits for the worker and every write kept its order
	b.Close(nil)
	req.Equal([]uint64{1, 2, 3}, stored)
	req.Equal(3, deadlines)
	req.Zero(b.PendingFlush())
}

func TestBroadcaster_StoreFailureDoesNotFailPublish(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockStore := mocks.NewMockMessageStore(ctrl)

	// Given the store is down
	mockStore.EXPECT().PersistMessage(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(errors.New("connection refused")).
		Times(1)

	b := core.NewBroadcaster("general", core.BroadcasterOptions{Store: mockStore})

	// When a message is published
	env, err := b.Publish(core.TypePlaintext, core.Plaintext{Content: "a"}, nil, nil)

	// Then live delivery still succeeds
	req.NoError(err)
	req.Equal(uint64(1), env.Seq())
	req.Len(b.Backlog(), 1)
	b.Close(nil)
}

func TestBroadcaster_EphemeralRoomSkipsStore(t *testing.T) {
	req := require.New(t)
	b := core.NewBroadcaster("scratch", core.BroadcasterOptions{})
	_, err := b.Publish(core.TypePlaintext, core.Plaintext{Content: "a"}, nil, nil)
	req.NoError(err)
	req.False(b.Persistent())
	req.Zero(b.PendingFlush())
	req.True(b.CloseIfIdle())
}
