package tcp

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/chatd/internal/chat"
)

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func startServer(t *testing.T, cfg Config) (*Server, *chat.Auth) {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	auth := chat.NewAuth(nil)
	srv := NewServer(cfg, auth, chat.NewRooms(nil), nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, auth
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, raw string) {
	t.Helper()
	_, err := io.WriteString(c.conn, raw)
	require.NoError(t, err)
}

func (c *client) expect(t *testing.T, want string) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, want, strings.TrimSuffix(line, "\r\n"))
}

func (c *client) expectEOF(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
}

func (c *client) login(t *testing.T, username, display string) {
	t.Helper()
	c.send(t, "AUTH "+username+" AS "+display+" USING secret\r\n")
	c.expect(t, "REPLY OK IS AUTH_SUCCESS")
	c.expect(t, "MSG FROM Server IS "+display+" has joined default_room")
}

func TestServer_AuthAndChat(t *testing.T) {
	srv, _ := startServer(t, Config{})

	alice := dial(t, srv)
	alice.login(t, "alice", "Alice")

	bob := dial(t, srv)
	bob.login(t, "bob", "Bob")
	alice.expect(t, "MSG FROM Server IS Bob has joined default_room")

	bob.send(t, "MSG FROM Bob IS hello there\r\n")
	alice.expect(t, "MSG FROM Bob IS hello there")

	bob.send(t, "BYE\r\n")
	alice.expect(t, "MSG FROM Server IS Bob has left default_room")
	bob.expectEOF(t)
}

func TestServer_MessageBeforeAuthGetsClientError(t *testing.T) {
	srv, _ := startServer(t, Config{})
	c := dial(t, srv)

	c.send(t, "MSG FROM Alice IS hi\r\n")

	c.expect(t, "ERR FROM Server IS CLIENT_ERROR")
	c.expect(t, "BYE")
	c.expectEOF(t)
}

func TestServer_MalformedFrameGetsClientError(t *testing.T) {
	srv, _ := startServer(t, Config{})
	c := dial(t, srv)

	c.send(t, "HELLO\r\n")

	c.expect(t, "ERR FROM Server IS CLIENT_ERROR")
	c.expect(t, "BYE")
	c.expectEOF(t)
}

func TestServer_ReassemblesSplitFrames(t *testing.T) {
	srv, _ := startServer(t, Config{})
	c := dial(t, srv)

	for _, part := range []string{"auth alice", " as Alice us", "ing secret\r", "\n"} {
		c.send(t, part)
		time.Sleep(10 * time.Millisecond)
	}

	c.expect(t, "REPLY OK IS AUTH_SUCCESS")
	c.expect(t, "MSG FROM Server IS Alice has joined default_room")
}

func TestServer_OversizedFrameIsViolation(t *testing.T) {
	srv, _ := startServer(t, Config{MaxFrame: 64})
	c := dial(t, srv)

	c.send(t, strings.Repeat("A", 200))

	c.expect(t, "ERR FROM Server IS CLIENT_ERROR")
	c.expect(t, "BYE")
}

func TestServer_DuplicateUsernameCanRetry(t *testing.T) {
	srv, _ := startServer(t, Config{})
	alice := dial(t, srv)
	alice.login(t, "alice", "Alice")

	other := dial(t, srv)
	other.send(t, "AUTH alice AS Fake USING x\r\n")
	other.expect(t, "REPLY NOK IS AUTH_FAILED")

	other.login(t, "carol", "Carol")
}

func TestServer_DisconnectReleasesUsername(t *testing.T) {
	srv, auth := startServer(t, Config{})
	c := dial(t, srv)
	c.login(t, "alice", "Alice")

	require.NoError(t, c.conn.Close())

	assert.Eventually(t, func() bool { return !auth.Active("alice") }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ShutdownSaysBye(t *testing.T) {
	srv, auth := startServer(t, Config{})
	c := dial(t, srv)
	c.login(t, "alice", "Alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	c.expect(t, "BYE")
	c.expectEOF(t)
	assert.Zero(t, auth.Len())
}

func TestServer_StartFailsWhenAddressInUse(t *testing.T) {
	srv, _ := startServer(t, Config{})

	dup := NewServer(Config{Addr: srv.Addr().String()}, chat.NewAuth(nil), chat.NewRooms(nil), nil)
	assert.Error(t, dup.Start())
}
