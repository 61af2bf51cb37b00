package longpoll

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Chat/internal/adapters/auth"
	"github.com/dkeye/Chat/internal/app"
	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type pollFixture struct {
	srv      *httptest.Server
	issuer   *auth.JWTIssuer
	chat     *app.ChatService
	presence *app.Presence
}

func newPollFixture(t *testing.T, leaveDelay time.Duration) *pollFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	issuer, err := auth.NewJWTIssuer("s3cret", time.Hour)
	require.NoError(t, err)
	rooms := app.NewRegistry(app.RegistryOptions{BacklogSize: 10})
	chat := app.NewChatService(rooms, nil, nil, 16)
	presence := app.NewPresence(chat, leaveDelay)
	h := NewHandler(chat, presence, Options{DefaultListen: 100 * time.Millisecond, MaxListen: 100 * time.Millisecond})

	r := gin.New()
	r.GET("/r/:room", auth.Required(issuer), h.Listen)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		presence.Shutdown()
		rooms.Shutdown()
		srv.Close()
	})
	return &pollFixture{srv: srv, issuer: issuer, chat: chat, presence: presence}
}

func (f *pollFixture) guest(t *testing.T, name string) (string, domain.PublicUser) {
	t.Helper()
	token, user, err := f.issuer.IssueGuest(name)
	require.NoError(t, err)
	return token, user
}

func (f *pollFixture) listen(t *testing.T, ctx context.Context, path, token, accept string) *http.Response {
	t.Helper()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if accept != "" {
		httpReq.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	return resp
}

// lines reads an NDJSON listen until END and decodes every envelope.
func lines(t *testing.T, resp *http.Response) []core.Envelope {
	t.Helper()
	defer resp.Body.Close()
	var out []core.Envelope
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() == core.EndMarker {
			return out
		}
		env, err := core.Decode(sc.Bytes())
		require.NoError(t, err, sc.Text())
		out = append(out, env)
	}
	require.Fail(t, "stream ended without END")
	return nil
}

func TestListen_FirstJoinIntroThenEnd(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newPollFixture(t, time.Hour)
	token, alice := f.guest(t, "alice")

	// Given the room already has a message
	_, err := f.chat.Publish(ctx, "lobby", core.Inbound{Type: core.TypePlaintext, Payload: core.Plaintext{Content: "earlier"}}, alice)
	req.NoError(err)

	resp := f.listen(t, ctx, "/r/lobby", token, "")
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("application/x-ndjson", resp.Header.Get("Content-Type"))
	got := lines(t, resp)

	// Then: private online summary, backlog, own JOIN, END
	req.Len(got, 3)
	req.Equal(core.TypeSystem, got[0].Type())
	req.Zero(got[0].Seq())
	req.Equal(core.SystemMessage{Content: "People Online", OnlineUsers: 1}, got[0].Payload())
	req.Equal(core.Plaintext{Content: "earlier"}, got[1].Payload())
	req.Equal(core.TypeJoin, got[2].Type())
	req.Equal(got[1].Seq()+1, got[2].Seq())

	// the timed-out listen keeps the user joined
	_, tracked := f.presence.Tracked("lobby", alice.ID)
	req.True(tracked)
}

func TestListen_ReattachResumesQueue(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newPollFixture(t, time.Hour)
	token, alice := f.guest(t, "alice")
	_, bob := f.guest(t, "bob")

	lines(t, f.listen(t, ctx, "/r/lobby", token, ""))

	// a message sent between listens is waiting in the session queue
	_, err := f.chat.Publish(ctx, "lobby", core.Inbound{Type: core.TypePlaintext, Payload: core.Plaintext{Content: "while away"}}, bob)
	req.NoError(err)

	got := lines(t, f.listen(t, ctx, "/r/lobby?listen_seconds=1", token, ""))
	req.Len(got, 1)
	req.Equal(core.Plaintext{Content: "while away"}, got[0].Payload())
	sender, _ := got[0].Sender()
	req.Equal(bob.ID, sender.ID)

	sess, ok := f.presence.Tracked("lobby", alice.ID)
	req.True(ok)
	req.False(sess.IsClosed())
}

func TestListen_SSE(t *testing.T) {
	req := require.New(t)
	f := newPollFixture(t, time.Hour)
	token, _ := f.guest(t, "alice")

	resp := f.listen(t, context.Background(), "/r/lobby", token, "text/event-stream")
	defer resp.Body.Close()
	req.Equal("text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	req.NoError(err)

	text := string(body)
	req.Contains(text, "event:message\n")
	req.Contains(text, "id:1\n")
	req.True(strings.HasSuffix(text, "event:timeout\ndata:{\"event\":\"timeout\"}\n\n"), text)
}

func TestListen_ClientGoneLeavesRoom(t *testing.T) {
	req := require.New(t)
	f := newPollFixture(t, time.Hour)
	token, alice := f.guest(t, "alice")
	ctx, cancel := context.WithCancel(context.Background())

	resp := f.listen(t, ctx, "/r/lobby?listen_seconds=30", token, "")
	br := bufio.NewReader(resp.Body)
	_, err := br.ReadString('\n')
	req.NoError(err)
	cancel()
	_ = resp.Body.Close()

	req.Eventually(func() bool {
		_, tracked := f.presence.Tracked("lobby", alice.ID)
		return !tracked
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListen_BadRequests(t *testing.T) {
	req := require.New(t)
	f := newPollFixture(t, time.Hour)
	token, _ := f.guest(t, "alice")

	resp := f.listen(t, context.Background(), "/r/lobby?listen_seconds=abc", token, "")
	req.Equal(http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.listen(t, context.Background(), "/r/lobby?listen_seconds=0", token, "")
	req.Equal(http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.listen(t, context.Background(), "/r/lobby", "bogus", "")
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestListenFor(t *testing.T) {
	req := require.New(t)
	h := NewHandler(nil, nil, Options{DefaultListen: 10 * time.Second, MaxListen: time.Minute})

	d, ok := h.listenFor("")
	req.True(ok)
	req.Equal(10*time.Second, d)

	d, ok = h.listenFor("600")
	req.True(ok)
	req.Equal(time.Minute, d)

	_, ok = h.listenFor("-1")
	req.False(ok)
}
