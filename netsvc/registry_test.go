package netsvc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	return svc
}

func newTestChannel(id uint64, proto Protocol) *channel {
	return &channel{id: id, protocol: proto}
}

func TestRegisterChannelCreatesRegistryEntries(t *testing.T) {
	svc := newTestService(t)
	ch := newTestChannel(1, ProtocolTCP)

	q := svc.registerChannel(ch)
	require.NotNil(t, q)

	gotQ, ok := svc.queueOf(ch)
	require.True(t, ok)
	require.Same(t, q, gotQ)

	_, ok = svc.LastWrite(ch)
	require.True(t, ok)
}

func TestBindSessionSingletonLookup(t *testing.T) {
	svc := newTestService(t)
	ch := newTestChannel(1, ProtocolTCP)
	svc.registerChannel(ch)

	s := NewSession(&stubServer{})
	svc.bindSession(ch, s)

	got, ok := svc.singletonSession(ch)
	require.True(t, ok)
	require.Same(t, s, got)

	gotCh, ok := svc.channelOf(s)
	require.True(t, ok)
	require.Same(t, ch, gotCh)
}

func TestSingletonSessionFalseWhenMultiple(t *testing.T) {
	svc := newTestService(t)
	ch := newTestChannel(1, ProtocolTCP)
	svc.registerChannel(ch)

	svc.bindSession(ch, NewSession(&stubServer{}))
	svc.bindSession(ch, NewSession(&stubServer{}))

	_, ok := svc.singletonSession(ch)
	require.False(t, ok)
}

func TestSingletonSessionFalseWhenChannelIsMultiSession(t *testing.T) {
	svc := newTestService(t)
	ch := newTestChannel(1, ProtocolTCP)
	ch.multiSession = true
	svc.registerChannel(ch)

	svc.bindSession(ch, NewSession(&stubServer{}))

	_, ok := svc.singletonSession(ch)
	require.False(t, ok, "a multi-session channel must never reuse its existing session")
}

func TestBindAddressAndLookup(t *testing.T) {
	svc := newTestService(t)
	ch := newTestChannel(1, ProtocolUDP)
	svc.registerChannel(ch)

	s := NewSession(&stubServer{})
	svc.bindSession(ch, s)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4000}
	svc.bindAddress(ch, s, addr)

	got, ok := svc.sessionForAddress(ch, addr)
	require.True(t, ok)
	require.Same(t, s, got)

	mappedAddr, ok := svc.addressStillMapped(ch, s)
	require.True(t, ok)
	require.Equal(t, addr.String(), mappedAddr.String())
}

func TestAddressStillMappedFalseAfterRebind(t *testing.T) {
	svc := newTestService(t)
	ch := newTestChannel(1, ProtocolUDP)
	svc.registerChannel(ch)

	s1 := NewSession(&stubServer{})
	svc.bindSession(ch, s1)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4000}
	svc.bindAddress(ch, s1, addr)

	// A new session claims the same peer address (ephemeral port reuse or
	// rebind); s1's mapping is now stale.
	s2 := NewSession(&stubServer{})
	svc.bindSession(ch, s2)
	svc.bindAddress(ch, s2, addr)

	_, ok := svc.addressStillMapped(ch, s1)
	require.False(t, ok)

	mappedAddr, ok := svc.addressStillMapped(ch, s2)
	require.True(t, ok)
	require.Equal(t, addr.String(), mappedAddr.String())
}

func TestUpdateChannelMigratesSessionsAndQueue(t *testing.T) {
	svc := newTestService(t)
	old := newTestChannel(1, ProtocolTCP)
	svc.registerChannel(old)
	s := NewSession(&stubServer{})
	svc.bindSession(old, s)

	neu := newTestChannel(2, ProtocolTCP)
	svc.updateChannel(old, neu)

	gotCh, ok := svc.channelOf(s)
	require.True(t, ok)
	require.Same(t, neu, gotCh)

	_, ok = svc.queueOf(old)
	require.False(t, ok)
	_, ok = svc.queueOf(neu)
	require.True(t, ok)
}

func TestDestroyChannelIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ch := newTestChannel(1, ProtocolTCP)
	svc.registerChannel(ch)
	consumer := &stubServer{}
	s := NewSession(consumer)
	svc.bindSession(ch, s)

	svc.destroyChannel(ch, true)
	require.Equal(t, 1, consumer.destroyCalls)

	// second call on an already-removed channel is a no-op, not a second
	// DestroySession delivery.
	svc.destroyChannel(ch, true)
	require.Equal(t, 1, consumer.destroyCalls)

	_, ok := svc.channelOf(s)
	require.False(t, ok)
}

func TestDestroyChannelWithoutDisconnectKeepsSession(t *testing.T) {
	svc := newTestService(t)
	ch := newTestChannel(1, ProtocolTCP)
	svc.registerChannel(ch)
	consumer := &stubServer{}
	s := NewSession(consumer)
	svc.bindSession(ch, s)

	svc.destroyChannel(ch, false)
	require.Equal(t, 0, consumer.destroyCalls)
}

func TestRemoveSessionFromChannelKeepsOtherPeers(t *testing.T) {
	svc := newTestService(t)
	ch := newTestChannel(1, ProtocolUDP)
	svc.registerChannel(ch)

	consumer := &stubServer{}
	s1 := NewSession(consumer)
	s2 := NewSession(consumer)
	svc.bindSession(ch, s1)
	svc.bindSession(ch, s2)
	addr1 := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	addr2 := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2}
	svc.bindAddress(ch, s1, addr1)
	svc.bindAddress(ch, s2, addr2)

	svc.removeSessionFromChannel(ch, s1, true)
	require.Equal(t, 1, consumer.destroyCalls)

	_, ok := svc.channelOf(s1)
	require.False(t, ok)
	got, ok := svc.sessionForAddress(ch, addr2)
	require.True(t, ok)
	require.Same(t, s2, got)
}

// stubServer is a minimal Server used purely to give NewSession a Consumer
// and to observe DestroySession calls.
type stubServer struct {
	destroyCalls int
}

func (s *stubServer) Protocol() Protocol             { return ProtocolTCP }
func (s *stubServer) SocketOptions() SocketOptions   { return SocketOptions{} }
func (s *stubServer) OnConnect(*Package)             {}
func (s *stubServer) OnRead(*Package)                {}
func (s *stubServer) OnWrite(*Package)               {}
func (s *stubServer) OnDisconnect(*Package)           {}
func (s *stubServer) DestroySession(*Session)        { s.destroyCalls++ }
func (s *stubServer) ListenPort() int                { return 0 }
func (s *stubServer) MultiSession() bool             { return false }
func (s *stubServer) CreateSession(*Package) *Session { return nil }
