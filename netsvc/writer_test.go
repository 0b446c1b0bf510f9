package netsvc

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// drainPeer reads (and discards) from conn until it errors, unblocking
// synchronous net.Pipe writes made on the other end.
func drainPeer(conn net.Conn) {
	_, _ = io.Copy(io.Discard, conn)
}

// echoRecorder is a Server/Client that records every delivered Package by
// action, used to assert on the write pipeline's outcomes without a real
// socket pair where a raw byte comparison would do.
type echoRecorder struct {
	stubServer
	mu     chan struct{}
	writes []*Package
}

func newEchoRecorder() *echoRecorder {
	return &echoRecorder{mu: make(chan struct{}, 64)}
}

func (e *echoRecorder) OnWrite(pkg *Package) {
	e.writes = append(e.writes, pkg)
	e.mu <- struct{}{}
}

func (e *echoRecorder) waitWrite(t *testing.T) *Package {
	t.Helper()
	select {
	case <-e.mu:
		return e.writes[len(e.writes)-1]
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a WRITE event")
		return nil
	}
}

func newLoopbackChannel(t *testing.T) (*channel, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	ch := &channel{id: nextChannelID(), protocol: ProtocolTCP, conn: client}
	return ch, server
}

func TestWriteDataDeliversOKOnSuccess(t *testing.T) {
	svc := newTestService(t)
	ch, peer := newLoopbackChannel(t)
	defer peer.Close()
	svc.registerChannel(ch)

	recorder := newEchoRecorder()
	session := NewSession(recorder)
	svc.bindSession(ch, session)

	// drain the peer side so rawWrite doesn't block on net.Pipe's
	// synchronous handoff.
	go drainPeer(peer)

	require.NoError(t, svc.WriteData(session, []byte("hello")))
	pkg := recorder.waitWrite(t)
	require.Equal(t, StatusOK, pkg.Status)
}

func TestWriteDataRejectedWhileSessionLocked(t *testing.T) {
	svc := newTestService(t)
	ch, peer := newLoopbackChannel(t)
	defer peer.Close()
	svc.registerChannel(ch)

	recorder := newEchoRecorder()
	session := NewSession(recorder)
	svc.bindSession(ch, session)
	session.lock()

	go drainPeer(peer)

	require.NoError(t, svc.WriteData(session, []byte("ignored")))
	pkg := recorder.waitWrite(t)
	require.Equal(t, StatusRejectedSessionLock, pkg.Status)
}

func TestWriteDataIOErrorDestroysChannel(t *testing.T) {
	svc := newTestService(t)
	ch, peer := newLoopbackChannel(t)
	svc.registerChannel(ch)

	recorder := newEchoRecorder()
	session := NewSession(recorder)
	svc.bindSession(ch, session)

	// Closing the peer end makes every subsequent write on ch fail.
	peer.Close()

	require.NoError(t, svc.WriteData(session, []byte("will fail")))
	pkg := recorder.waitWrite(t)
	require.Equal(t, StatusIOError, pkg.Status)

	_, ok := svc.channelOf(session)
	require.False(t, ok)
}

func TestDisconnectEnqueuesFarewellAndTearsDownTCPChannel(t *testing.T) {
	svc := newTestService(t)
	ch, peer := newLoopbackChannel(t)
	defer peer.Close()
	svc.registerChannel(ch)

	recorder := newEchoRecorder()
	session := NewSession(recorder)
	svc.bindSession(ch, session)

	go drainPeer(peer)

	require.NoError(t, svc.Disconnect(session, []byte("bye")))
	pkg := recorder.waitWrite(t)
	require.Equal(t, StatusOK, pkg.Status)
	require.Equal(t, 1, recorder.destroyCalls)
}

func TestWriteDataChunksLargePayload(t *testing.T) {
	svc := newTestService(t)
	svc.cfg.NetOutputBufferSize = 4
	ch, peer := newLoopbackChannel(t)
	defer peer.Close()
	svc.registerChannel(ch)

	recorder := newEchoRecorder()
	session := NewSession(recorder)
	svc.bindSession(ch, session)

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := peer.Read(buf)
		for n < 12 {
			m, err := peer.Read(buf[n:])
			if err != nil {
				break
			}
			n += m
		}
		received <- buf[:n]
	}()

	require.NoError(t, svc.WriteData(session, []byte("abcdefghijkl")))
	recorder.waitWrite(t)
	require.Equal(t, []byte("abcdefghijkl"), <-received)
}
