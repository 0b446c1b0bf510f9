package netsvc

import "time"

// SocketOptions carries the per-consumer socket tuning applied when a
// channel is accepted or dialed, mirroring the teacher's per-listener
// SetReadBuffer/SetWriteBuffer/SetDSCP calls.
type SocketOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	NoDelay         bool
	KeepAlive       time.Duration

	// Compress wraps the channel's connection in a CompStream, trading
	// CPU for bandwidth on links carrying compressible payloads.
	Compress bool
}

// Consumer is a polymorphic net service endpoint: a Server or a Client.
// Capabilities not relevant to a given variant are simply never invoked
// (e.g. a Client's CreateSession is never called; its GetSession is).
type Consumer interface {
	// Protocol reports whether this consumer speaks TCP or UDP.
	Protocol() Protocol
	// SocketOptions reports the socket tuning to apply to every channel
	// this consumer owns.
	SocketOptions() SocketOptions

	// OnConnect is delivered once a channel (and, for servers, its first
	// session) is ready.
	OnConnect(pkg *Package)
	// OnRead is delivered for every inbound application payload.
	OnRead(pkg *Package)
	// OnWrite is delivered once an enqueued write has been flushed,
	// rejected, or errored.
	OnWrite(pkg *Package)
	// OnDisconnect is delivered for a DISCONNECT enqueued with
	// Service.Disconnect, once its channel (or, on a shared UDP server
	// socket, its session) has been torn down. A channel lost to a read
	// error, EOF or failed write does not deliver OnDisconnect; a failed
	// write is reported through OnWrite with StatusIOError.
	OnDisconnect(pkg *Package)

	// DestroySession is invoked when a session is permanently removed
	// from the registry (channel close with disconnectAndRemove, or
	// explicit application teardown).
	DestroySession(session *Session)
}

// Server is a Consumer that listens for inbound channels.
type Server interface {
	Consumer
	// ListenPort is the port this server binds.
	ListenPort() int
	// MultiSession reports whether every read on this server's channels
	// may create a new session instead of reusing the channel singleton.
	MultiSession() bool
	// CreateSession is called by the registry on the first readable
	// payload from a channel that doesn't yet have one (or, in
	// multi-session mode, for every inbound payload that doesn't match an
	// existing session). Returning nil tears a TCP channel down; on a
	// shared UDP server socket the datagram is dropped and the socket
	// stays open for other peers.
	CreateSession(pkg *Package) *Session
}

// Client is a Consumer that dials a single outbound channel and owns a
// session for its whole lifetime.
type Client interface {
	Consumer
	// GetSession returns the client's pre-existing session, attached to
	// the channel at CONNECT time.
	GetSession() *Session
}
