package udp

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/chatd/internal/chat"
	"github.com/andy6609/chatd/internal/protocol"
)

type client struct {
	conn   *net.UDPConn
	server *net.UDPAddr
}

func startServer(t *testing.T, cfg Config) (*Server, *chat.Auth) {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	if cfg.Timeout == 0 {
		cfg.Timeout = 50 * time.Millisecond
	}
	if cfg.MaxRetransmissions == 0 {
		cfg.MaxRetransmissions = 2
	}
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
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, server: srv.Addr().(*net.UDPAddr)}
}

func (c *client) sendRaw(t *testing.T, b []byte) {
	t.Helper()
	_, err := c.conn.WriteToUDP(b, c.server)
	require.NoError(t, err)
}

func (c *client) send(t *testing.T, id uint16, m protocol.Message) {
	t.Helper()
	m.ID = id
	b, err := protocol.EncodeBinary(m)
	require.NoError(t, err)
	c.sendRaw(t, b)
}

func (c *client) confirm(t *testing.T, id uint16) {
	t.Helper()
	c.send(t, id, protocol.Confirm(id))
}

// recv returns the next datagram, or ok=false after wait.
func (c *client) recv(t *testing.T, wait time.Duration) (protocol.Message, bool) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(wait)))
	buf := make([]byte, maxDatagram)
	n, _, err := c.conn.ReadFromUDP(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return protocol.Message{}, false
	}
	require.NoError(t, err)
	m, err := protocol.DecodeBinary(buf[:n])
	require.NoError(t, err)
	return m, true
}

// expect reads the next datagram, requires its type and confirms it when it
// is not itself a CONFIRM.
func (c *client) expect(t *testing.T, typ protocol.Type) protocol.Message {
	t.Helper()
	m, ok := c.recv(t, 2*time.Second)
	require.True(t, ok, "timed out waiting for %s", typ)
	require.Equal(t, typ, m.Type, "got %+v", m)
	if typ != protocol.TypeConfirm {
		c.confirm(t, m.ID)
	}
	return m
}

func (c *client) expectSilence(t *testing.T) {
	t.Helper()
	m, ok := c.recv(t, 200*time.Millisecond)
	assert.False(t, ok, "unexpected datagram %+v", m)
}

func (c *client) login(t *testing.T, username, display string) {
	t.Helper()
	c.send(t, 0, protocol.Auth(username, display, "secret"))
	assert.EqualValues(t, 0, c.expect(t, protocol.TypeConfirm).ID)

	reply := c.expect(t, protocol.TypeReply)
	assert.True(t, reply.OK)
	assert.EqualValues(t, 0, reply.RefID)
	assert.Equal(t, protocol.AuthSuccess, reply.Content)

	notice := c.expect(t, protocol.TypeMsg)
	assert.Equal(t, protocol.ServerName, notice.DisplayName)
	assert.Equal(t, display+" has joined default_room", notice.Content)
}

func TestServer_AuthAndChat(t *testing.T) {
	srv, _ := startServer(t, Config{})

	alice := dial(t, srv)
	alice.login(t, "alice", "Alice")

	bob := dial(t, srv)
	bob.login(t, "bob", "Bob")
	joined := alice.expect(t, protocol.TypeMsg)
	assert.Equal(t, "Bob has joined default_room", joined.Content)

	bob.send(t, 1, protocol.Msg("Bob", "hello"))
	bob.expect(t, protocol.TypeConfirm)

	got := alice.expect(t, protocol.TypeMsg)
	assert.Equal(t, "Bob", got.DisplayName)
	assert.Equal(t, "hello", got.Content)
}

func TestServer_DuplicateDatagramIsConfirmedButNotReprocessed(t *testing.T) {
	srv, _ := startServer(t, Config{})
	alice := dial(t, srv)
	alice.login(t, "alice", "Alice")
	bob := dial(t, srv)
	bob.login(t, "bob", "Bob")
	alice.expect(t, protocol.TypeMsg)

	bob.send(t, 9, protocol.Msg("Bob", "once"))
	bob.send(t, 9, protocol.Msg("Bob", "once"))
	assert.EqualValues(t, 9, bob.expect(t, protocol.TypeConfirm).ID)
	assert.EqualValues(t, 9, bob.expect(t, protocol.TypeConfirm).ID)

	assert.Equal(t, "once", alice.expect(t, protocol.TypeMsg).Content)
	alice.expectSilence(t)
}

func TestServer_EvictedIdIsProcessedAgain(t *testing.T) {
	srv, _ := startServer(t, Config{HistorySize: 3})
	alice := dial(t, srv)
	alice.login(t, "alice", "Alice")
	bob := dial(t, srv)
	bob.login(t, "bob", "Bob")
	alice.expect(t, protocol.TypeMsg)

	for id := uint16(1); id <= 4; id++ {
		bob.send(t, id, protocol.Msg("Bob", "m"))
		bob.expect(t, protocol.TypeConfirm)
		alice.expect(t, protocol.TypeMsg)
	}

	// 1 fell out of the window, 3 did not.
	bob.send(t, 3, protocol.Msg("Bob", "m"))
	bob.expect(t, protocol.TypeConfirm)
	alice.expectSilence(t)

	bob.send(t, 1, protocol.Msg("Bob", "again"))
	bob.expect(t, protocol.TypeConfirm)
	assert.Equal(t, "again", alice.expect(t, protocol.TypeMsg).Content)
}

func TestServer_DefaultHistoryWindow(t *testing.T) {
	srv, _ := startServer(t, Config{})
	alice := dial(t, srv)
	alice.login(t, "alice", "Alice")
	bob := dial(t, srv)
	bob.login(t, "bob", "Bob")
	alice.expect(t, protocol.TypeMsg)

	for id := uint16(1); id <= 201; id++ {
		bob.send(t, id, protocol.Msg("Bob", "m"))
		bob.expect(t, protocol.TypeConfirm)
		alice.expect(t, protocol.TypeMsg)
	}

	// The last 200 ids are 2..201.
	bob.send(t, 201, protocol.Msg("Bob", "m"))
	bob.expect(t, protocol.TypeConfirm)
	alice.expectSilence(t)

	bob.send(t, 1, protocol.Msg("Bob", "replayed"))
	bob.expect(t, protocol.TypeConfirm)
	assert.Equal(t, "replayed", alice.expect(t, protocol.TypeMsg).Content)
}

func TestServer_UnconfirmedDeliveryEndsSession(t *testing.T) {
	srv, auth := startServer(t, Config{Timeout: 30 * time.Millisecond, MaxRetransmissions: 2})
	c := dial(t, srv)

	c.send(t, 0, protocol.Auth("alice", "Alice", "secret"))

	var got []protocol.Message
	for {
		m, ok := c.recv(t, 500*time.Millisecond)
		if !ok {
			break
		}
		got = append(got, m)
	}

	counts := map[protocol.Type]int{}
	for _, m := range got {
		counts[m.Type]++
	}
	assert.Equal(t, 1, counts[protocol.TypeConfirm])
	assert.Equal(t, 3, counts[protocol.TypeReply], "1 + retransmissions")
	assert.Equal(t, 3, counts[protocol.TypeErr])
	assert.Zero(t, counts[protocol.TypeMsg])
	assert.Zero(t, counts[protocol.TypeBye], "farewell stops at the first failure")

	for _, m := range got {
		if m.Type == protocol.TypeReply {
			assert.EqualValues(t, 0, m.ID, "retransmissions reuse the id")
		}
	}

	assert.Eventually(t, func() bool { return !auth.Active("alice") }, time.Second, 10*time.Millisecond)
}

func TestServer_RetransmittedByeIsConfirmedAfterSessionEnds(t *testing.T) {
	srv, auth := startServer(t, Config{})
	c := dial(t, srv)
	c.login(t, "alice", "Alice")

	c.send(t, 1, protocol.Bye())
	assert.EqualValues(t, 1, c.expect(t, protocol.TypeConfirm).ID)
	assert.Eventually(t, func() bool { return !auth.Active("alice") }, time.Second, 10*time.Millisecond)

	// The first CONFIRM may have been lost on the client's side.
	c.send(t, 1, protocol.Bye())
	assert.EqualValues(t, 1, c.expect(t, protocol.TypeConfirm).ID)
	c.expectSilence(t)
}

func TestServer_RetransmittedErrIsConfirmedAfterSessionEnds(t *testing.T) {
	srv, _ := startServer(t, Config{})
	c := dial(t, srv)
	c.login(t, "alice", "Alice")

	c.send(t, 1, protocol.Err("Alice", "giving up"))
	assert.EqualValues(t, 1, c.expect(t, protocol.TypeConfirm).ID)
	c.expect(t, protocol.TypeBye)

	c.send(t, 1, protocol.Err("Alice", "giving up"))
	assert.EqualValues(t, 1, c.expect(t, protocol.TypeConfirm).ID)
	c.expectSilence(t)
}

func TestServer_NewAuthAfterSessionEndsStartsFreshSession(t *testing.T) {
	srv, _ := startServer(t, Config{})
	c := dial(t, srv)
	c.login(t, "alice", "Alice")

	c.send(t, 1, protocol.Bye())
	c.expect(t, protocol.TypeConfirm)

	c.send(t, 2, protocol.Auth("alice", "Alice", "secret"))
	assert.EqualValues(t, 2, c.expect(t, protocol.TypeConfirm).ID)
	reply := c.expect(t, protocol.TypeReply)
	assert.True(t, reply.OK)
	assert.EqualValues(t, 2, reply.RefID)
	assert.Equal(t, "Alice has joined default_room", c.expect(t, protocol.TypeMsg).Content)
}

func TestServer_MessageBeforeAuthFromUnknownEndpointIsDropped(t *testing.T) {
	srv, _ := startServer(t, Config{})
	c := dial(t, srv)

	c.send(t, 1, protocol.Msg("Alice", "hi"))

	c.expectSilence(t)
}

func TestServer_MalformedDatagramGetsClientError(t *testing.T) {
	srv, auth := startServer(t, Config{})
	c := dial(t, srv)

	c.sendRaw(t, []byte{byte(protocol.TypeAuth), 0x00, 0x07, 'a'})

	assert.EqualValues(t, 7, c.expect(t, protocol.TypeConfirm).ID)
	errMsg := c.expect(t, protocol.TypeErr)
	assert.Equal(t, protocol.ServerName, errMsg.DisplayName)
	assert.Equal(t, protocol.ClientError, errMsg.Content)
	c.expect(t, protocol.TypeBye)
	assert.Zero(t, auth.Len())
}

func TestServer_JoinOverDatagrams(t *testing.T) {
	srv, _ := startServer(t, Config{})
	c := dial(t, srv)
	c.login(t, "alice", "Alice")

	c.send(t, 1, protocol.Join("lounge", "Alice"))
	c.expect(t, protocol.TypeConfirm)
	assert.Equal(t, "Alice has joined lounge", c.expect(t, protocol.TypeMsg).Content)

	reply := c.expect(t, protocol.TypeReply)
	assert.True(t, reply.OK)
	assert.EqualValues(t, 1, reply.RefID)
	assert.Equal(t, protocol.JoinSuccess, reply.Content)
}

func TestServer_ShutdownSaysBye(t *testing.T) {
	srv, auth := startServer(t, Config{})
	c := dial(t, srv)
	c.login(t, "alice", "Alice")

	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errc <- srv.Shutdown(ctx)
	}()

	c.expect(t, protocol.TypeBye)
	require.NoError(t, <-errc)
	assert.Zero(t, auth.Len())
}

func TestServer_StartFailsWhenAddressInUse(t *testing.T) {
	srv, _ := startServer(t, Config{})

	dup := NewServer(Config{Addr: srv.Addr().String()}, chat.NewAuth(nil), chat.NewRooms(nil), nil)
	assert.Error(t, dup.Start())
}
