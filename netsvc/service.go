// Package netsvc implements the multiplexed TCP/UDP net service: a
// single-loop accept/connect path handing off to a bounded worker pool for
// I/O, a session registry that demultiplexes channel traffic into logical
// sessions, a per-channel write pipeline with streaming hand-off, and a
// per-session ordered event dispatcher.
package netsvc

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hcfw/catalina/collab"
)

// Config carries every tunable spec.md §6 names for the net core.
type Config struct {
	// NetInputBufferSize sizes the I/O pool's per-worker read buffers;
	// NetOutputBufferSize is the write pipeline's chunk size and sizes the
	// service pool's scratch buffers. Both in bytes.
	NetInputBufferSize  int
	NetOutputBufferSize int

	// NetDisconnectAndRemove controls whether destroying a channel also
	// evicts its sessions from the session set and calls DestroySession.
	NetDisconnectAndRemove bool

	// NetConnectionTimeoutAvailable / NetConnectionTimeout implement the
	// handshake timeout (§4.2 ACCEPT): a server channel with no attached
	// session within this wall-clock window is destroyed.
	NetConnectionTimeoutAvailable bool
	NetConnectionTimeout          time.Duration

	// IOWorkers / ServiceWorkers size the two worker pools (§5): the I/O
	// pool running read/write/streaming init, and the service pool
	// running event dispatch and streaming sources.
	IOWorkers      int
	ServiceWorkers int
}

// DefaultConfig returns the configuration the teacher's CLI defaults to
// when a flag is left unset.
func DefaultConfig() Config {
	return Config{
		NetInputBufferSize:            4096,
		NetOutputBufferSize:           4096,
		NetDisconnectAndRemove:        true,
		NetConnectionTimeoutAvailable: true,
		NetConnectionTimeout:          5 * time.Second,
		IOWorkers:                     64,
		ServiceWorkers:                64,
	}
}

func (c Config) validate() error {
	if c.NetInputBufferSize <= 0 {
		return newConfigError("net.input.buffer.size", errors.New("must be > 0"))
	}
	if c.NetOutputBufferSize <= 0 {
		return newConfigError("net.output.buffer.size", errors.New("must be > 0"))
	}
	if c.NetConnectionTimeoutAvailable && c.NetConnectionTimeout <= 0 {
		return newConfigError("net.connection.timeout", errors.New("must be > 0 when net.connection.timeout.available is set"))
	}
	return nil
}

// maxFlushBatch is the per-event drain cap from spec's write pipeline
// flush policy (§4.4 step 2): "Drain up to 50 packages per event."
const maxFlushBatch = 50

// Service is the net core: it owns every registered channel, the session
// registry, the write pipeline and the event dispatcher. One Service
// typically hosts many Consumers (servers and clients) sharing the same
// pools.
type Service struct {
	cfg    Config
	logger collab.Logger

	ioPool      *Pool
	servicePool *Pool
	dispatcher  *dispatcher

	// cipher is applied to every channel this Service accepts or dials.
	// A process speaks one cipher suite to one set of peers sharing its
	// pre-shared key, mirroring the teacher's single process-wide --crypt
	// flag rather than a per-connection negotiation.
	cipher Cipher

	mu sync.Mutex // guards every map below; see registry.go

	channels     map[*Session]*channel
	sessionSet   map[*channel]map[*Session]struct{}
	addresses    map[*Session]net.Addr
	addrSessions map[*channel]map[string]*Session
	outputQueues map[*channel]*writeQueue
	lastWrite    map[*channel]time.Time

	closed   bool
	closeWg  sync.WaitGroup
	listened []net.Listener
	packets  []net.PacketConn

	stats Stats
}

// New builds a Service from cfg. A nil logger installs collab.NopLogger.
func New(cfg Config, logger collab.Logger) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = collab.NopLogger{}
	}
	svc := &Service{
		cfg:              cfg,
		logger:           logger,
		ioPool:           NewPool(cfg.IOWorkers, cfg.NetInputBufferSize),
		servicePool:      NewPool(cfg.ServiceWorkers, cfg.NetOutputBufferSize),
		channels:     make(map[*Session]*channel),
		sessionSet:   make(map[*channel]map[*Session]struct{}),
		addresses:    make(map[*Session]net.Addr),
		addrSessions: make(map[*channel]map[string]*Session),
		outputQueues: make(map[*channel]*writeQueue),
		lastWrite:    make(map[*channel]time.Time),
	}
	svc.dispatcher = newDispatcher(func(fn func()) {
		if err := svc.servicePool.Submit(fn); err != nil {
			// The service pool never legitimately rejects dispatch work
			// (unlike the I/O pool, there is no ready key to retry), so
			// fall back to an unpooled goroutine rather than lose
			// ordering by silently dropping the event.
			go fn()
		}
	})
	return svc, nil
}

// SetCipher installs the payload cipher every subsequently accepted or
// dialed channel will seal/open with. Call once before Listen/Dial; a nil
// cipher (the "none" crypt name) leaves payloads in the clear.
func (svc *Service) SetCipher(c Cipher) {
	svc.mu.Lock()
	svc.cipher = c
	svc.mu.Unlock()
}

func chunk(payload []byte, size int) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(payload)
	}
	var chunks [][]byte
	for len(payload) > 0 {
		n := size
		if n > len(payload) {
			n = len(payload)
		}
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}

// deliver routes a Package to the right Consumer callback by Action.
func (svc *Service) deliver(pkg *Package) {
	c := pkg.Session.Consumer
	switch pkg.Action {
	case ActionConnect:
		c.OnConnect(pkg)
	case ActionRead:
		c.OnRead(pkg)
	case ActionWrite, ActionStreaming:
		c.OnWrite(pkg)
	case ActionDisconnect:
		c.OnDisconnect(pkg)
	}
}

func (svc *Service) emit(session *Session, pkg *Package) {
	pkg.Session = session
	svc.dispatcher.enqueue(session, pkg, svc.deliver)
}

// Shutdown performs the graceful shutdown sequence from §5: mark the
// service closed (a second call is a no-op), enqueue an empty disconnect
// per live session, wait for both worker pools to drain, then close every
// listener and UDP server socket. Listeners keep accepting until that last
// step, and Listen, Dial and write calls are not refused after Shutdown.
func (svc *Service) Shutdown() error {
	svc.mu.Lock()
	if svc.closed {
		svc.mu.Unlock()
		return nil
	}
	svc.closed = true
	sessions := make([]*Session, 0, len(svc.channels))
	for s := range svc.channels {
		sessions = append(sessions, s)
	}
	listeners := svc.listened
	packets := svc.packets
	svc.mu.Unlock()

	for _, s := range sessions {
		_ = svc.Disconnect(s, nil)
	}

	svc.ioPool.Wait()
	svc.servicePool.Wait()

	for _, l := range listeners {
		_ = l.Close()
	}
	for _, p := range packets {
		_ = p.Close()
	}
	return nil
}
