package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Chat/internal/domain"
	"github.com/dkeye/Chat/internal/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestPresence_ReattachKeepsSession(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	chat, rooms := newTestChat(nil, nil)
	p := NewPresence(chat, time.Hour)
	alice := guest(t, "alice")

	first, err := p.Attach(ctx, "lobby", alice)
	req.NoError(err)
	req.True(first.FirstJoin)
	p.Detach(first)

	second, err := p.Attach(ctx, "lobby", alice)
	req.NoError(err)
	req.False(second.FirstJoin)
	req.Nil(second.Backlog)
	req.Same(first.Session, second.Session)
	req.True(isClosed(first.Superseded))
	req.False(isClosed(second.Superseded))

	b, ok := rooms.Get("lobby")
	req.True(ok)
	req.Equal(1, b.OnlineCount())
	req.Equal(1, p.Len())
}

func TestPresence_LeavesAfterDelay(t *testing.T) {
	req := require.New(t)
	chat, rooms := newTestChat(nil, nil)
	p := NewPresence(chat, 20*time.Millisecond)
	alice := guest(t, "alice")

	a, err := p.Attach(context.Background(), "lobby", alice)
	req.NoError(err)
	b, _ := rooms.Get("lobby")

	p.Detach(a)
	req.Eventually(func() bool { return p.Len() == 0 }, time.Second, 5*time.Millisecond)
	req.True(a.Session.IsClosed())
	req.Zero(b.OnlineCount())

	_, tracked := p.Tracked("lobby", alice.ID)
	req.False(tracked)
}

func TestPresence_ForgetLeavesNow(t *testing.T) {
	req := require.New(t)
	chat, rooms := newTestChat(nil, nil)
	p := NewPresence(chat, time.Hour)
	alice, bob := guest(t, "alice"), guest(t, "bob")

	a, err := p.Attach(context.Background(), "lobby", alice)
	req.NoError(err)
	watcher, _, err := chat.Join(context.Background(), "lobby", bob)
	req.NoError(err)
	drainSession(watcher)

	p.Forget(a)

	req.Zero(p.Len())
	req.True(a.Session.IsClosed())
	b, _ := rooms.Get("lobby")
	req.Equal(1, b.OnlineCount())
	got := drainSession(watcher)
	req.Len(got, 1)
}

func TestPresence_StaleAttachmentIsIgnored(t *testing.T) {
	req := require.New(t)
	chat, _ := newTestChat(nil, nil)
	p := NewPresence(chat, 20*time.Millisecond)
	alice := guest(t, "alice")

	first, err := p.Attach(context.Background(), "lobby", alice)
	req.NoError(err)
	second, err := p.Attach(context.Background(), "lobby", alice)
	req.NoError(err)

	// the superseded listen ends; it must not start the leave timer
	p.Detach(first)
	p.Forget(first)
	time.Sleep(60 * time.Millisecond)

	sess, ok := p.Tracked("lobby", alice.ID)
	req.True(ok)
	req.Same(second.Session, sess)
	req.False(sess.IsClosed())
}

func TestPresence_RejoinAfterKick(t *testing.T) {
	req := require.New(t)
	chat, _ := newTestChat(nil, nil)
	p := NewPresence(chat, time.Hour)
	alice := guest(t, "alice")

	first, err := p.Attach(context.Background(), "lobby", alice)
	req.NoError(err)
	first.Session.Close(nil)

	second, err := p.Attach(context.Background(), "lobby", alice)
	req.NoError(err)
	req.True(second.FirstJoin)
	req.NotSame(first.Session, second.Session)
	req.Equal(1, p.Len())
}

func TestPresence_Shutdown(t *testing.T) {
	req := require.New(t)
	chat, _ := newTestChat(nil, nil)
	p := NewPresence(chat, 10*time.Millisecond)
	a, err := p.Attach(context.Background(), "lobby", guest(t, "alice"))
	req.NoError(err)
	p.Detach(a)

	p.Shutdown()
	time.Sleep(30 * time.Millisecond)
	req.Zero(p.Len())
	req.False(a.Session.IsClosed())
}

type attachResult struct {
	a   *Attachment
	err error
}

// gate blocks an AuthorizeJoin call until opened.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) authorize(context.Context, domain.PublicUser, domain.RoomID) (bool, error) {
	close(g.entered)
	<-g.release
	return true, nil
}

func TestPresence_SlowAuthorizeDoesNotStallOtherRooms(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	mockDir := mocks.NewMockRoomDirectory(ctrl)
	chat, _ := newTestChat(mockDir, nil)
	p := NewPresence(chat, time.Hour)
	alice, bob := guest(t, "alice"), guest(t, "bob")
	g := newGate()
	defer g.open()

	// Given alice's second listen in slow hangs on the directory
	gomock.InOrder(
		mockDir.EXPECT().AuthorizeJoin(gomock.Any(), alice, domain.RoomID("slow")).Return(true, nil),
		mockDir.EXPECT().AuthorizeJoin(gomock.Any(), alice, domain.RoomID("slow")).DoAndReturn(g.authorize),
	)
	mockDir.EXPECT().AuthorizeJoin(gomock.Any(), bob, domain.RoomID("other")).Return(true, nil)
	mockDir.EXPECT().IsPersistent(gomock.Any(), gomock.Any()).Return(false, nil).AnyTimes()

	first, err := p.Attach(ctx, "slow", alice)
	req.NoError(err)
	p.Detach(first)

	reattached := make(chan attachResult, 1)
	go func() {
		a, err := p.Attach(ctx, "slow", alice)
		reattached <- attachResult{a, err}
	}()
	<-g.entered

	// When bob listens in another room
	other := make(chan attachResult, 1)
	go func() {
		a, err := p.Attach(ctx, "other", bob)
		other <- attachResult{a, err}
	}()

	// Then bob is not held up by slow
	select {
	case res := <-other:
		req.NoError(res.err)
		req.True(res.a.FirstJoin)
	case <-time.After(time.Second):
		req.Fail("attach in other room waited for authorize in slow")
	}
	req.Equal(2, p.Len())

	g.open()
	res := <-reattached
	req.NoError(res.err)
	req.False(res.a.FirstJoin)
	req.Same(first.Session, res.a.Session)
}

func TestPresence_ExpiredWhileAuthorizingJoinsAgain(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	mockDir := mocks.NewMockRoomDirectory(ctrl)
	chat, _ := newTestChat(mockDir, nil)
	p := NewPresence(chat, 20*time.Millisecond)
	alice := guest(t, "alice")
	g := newGate()
	defer g.open()

	gomock.InOrder(
		mockDir.EXPECT().AuthorizeJoin(gomock.Any(), alice, domain.RoomID("lobby")).Return(true, nil),
		mockDir.EXPECT().AuthorizeJoin(gomock.Any(), alice, domain.RoomID("lobby")).DoAndReturn(g.authorize),
		mockDir.EXPECT().AuthorizeJoin(gomock.Any(), alice, domain.RoomID("lobby")).Return(true, nil),
	)
	mockDir.EXPECT().IsPersistent(gomock.Any(), gomock.Any()).Return(false, nil).AnyTimes()

	first, err := p.Attach(ctx, "lobby", alice)
	req.NoError(err)
	p.Detach(first)

	reattached := make(chan attachResult, 1)
	go func() {
		a, err := p.Attach(ctx, "lobby", alice)
		reattached <- attachResult{a, err}
	}()
	<-g.entered

	// the leave delay runs out while the directory is busy
	req.Eventually(func() bool { return p.Len() == 0 }, time.Second, 5*time.Millisecond)
	req.True(first.Session.IsClosed())

	g.open()
	res := <-reattached
	req.NoError(res.err)
	req.True(res.a.FirstJoin)
	req.NotSame(first.Session, res.a.Session)
	req.Equal(1, p.Len())
}
