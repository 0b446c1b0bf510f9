package netsvc

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echoServer is a minimal Server that echoes every read back to its sender
// and records connect/disconnect counts, used for the end to end scenarios
// below.
type echoServer struct {
	stubServer
	port    int
	multi   bool
	svc     *Service
	connects    chan *Session
	disconnects chan struct{}
}

func newEchoServer(svc *Service, port int, multi bool) *echoServer {
	return &echoServer{
		svc:         svc,
		port:        port,
		multi:       multi,
		connects:    make(chan *Session, 16),
		disconnects: make(chan struct{}, 16),
	}
}

func (s *echoServer) ListenPort() int      { return s.port }
func (s *echoServer) MultiSession() bool   { return s.multi }
func (s *echoServer) CreateSession(*Package) *Session {
	return NewSession(s)
}
func (s *echoServer) OnConnect(pkg *Package) { s.connects <- pkg.Session }
func (s *echoServer) OnRead(pkg *Package)    { _ = s.svc.WriteData(pkg.Session, pkg.Payload) }
func (s *echoServer) DestroySession(*Session) {
	s.disconnects <- struct{}{}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestTCPEchoSingleSession(t *testing.T) {
	svc := newTestService(t)
	defer svc.Shutdown()

	port := freePort(t)
	server := newEchoServer(svc, port, false)
	require.NoError(t, svc.ListenTCP(server))

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	select {
	case <-server.connects:
	case <-time.After(time.Second):
		t.Fatal("OnConnect never fired")
	}
}

func TestTCPMultiSessionPortSeparatesConnections(t *testing.T) {
	svc := newTestService(t)
	defer svc.Shutdown()

	port := freePort(t)
	server := newEchoServer(svc, port, true)
	require.NoError(t, svc.ListenTCP(server))

	conn1, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn1.Close()
	conn2, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn2.Close()

	_, err = conn1.Write([]byte("one"))
	require.NoError(t, err)
	_, err = conn2.Write([]byte("two"))
	require.NoError(t, err)

	buf1 := make([]byte, 3)
	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readFull(conn1, buf1)
	require.NoError(t, err)
	require.Equal(t, "one", string(buf1))

	buf2 := make([]byte, 3)
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readFull(conn2, buf2)
	require.NoError(t, err)
	require.Equal(t, "two", string(buf2))

	s1 := <-server.connects
	s2 := <-server.connects
	require.NotEqual(t, s1.Key(), s2.Key())
}

// TestTCPMultiSessionChannelCreatesSessionPerRead exercises the single
// physical connection fanning into many protocol-level sessions: a
// multi-session port must call CreateSession again on every read instead of
// reusing whatever session was bound first.
func TestTCPMultiSessionChannelCreatesSessionPerRead(t *testing.T) {
	svc := newTestService(t)
	defer svc.Shutdown()

	port := freePort(t)
	server := newEchoServer(svc, port, true)
	require.NoError(t, svc.ListenTCP(server))

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("one"))
	require.NoError(t, err)
	buf := make([]byte, 3)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "one", string(buf))

	_, err = conn.Write([]byte("two"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "two", string(buf))

	s1 := <-server.connects
	s2 := <-server.connects
	require.NotSame(t, s1, s2, "a multi-session channel must create a distinct session for each read")
}

func TestUDPServerDemuxesByPeerAddress(t *testing.T) {
	svc := newTestService(t)
	defer svc.Shutdown()

	port := freePort(t)
	server := newEchoServer(svc, port, true)
	require.NoError(t, svc.ListenUDP(server))

	conn1, err := net.Dial("udp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn1.Close()
	conn2, err := net.Dial("udp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn2.Close()

	_, err = conn1.Write([]byte("alpha"))
	require.NoError(t, err)
	_, err = conn2.Write([]byte("beta!"))
	require.NoError(t, err)

	buf1 := make([]byte, 5)
	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readFull(conn1, buf1)
	require.NoError(t, err)
	require.Equal(t, "alpha", string(buf1))

	buf2 := make([]byte, 5)
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readFull(conn2, buf2)
	require.NoError(t, err)
	require.Equal(t, "beta!", string(buf2))
}

func TestHandshakeTimeoutDestroysIdleChannel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NetConnectionTimeout = 30 * time.Millisecond
	svc, err := New(cfg, nil)
	require.NoError(t, err)
	defer svc.Shutdown()

	port := freePort(t)
	server := newEchoServer(svc, port, false)
	require.NoError(t, svc.ListenTCP(server))

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn.Close()

	// never write anything: the handshake timeout should close the
	// channel without any session ever being created.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
