package netsvc

import (
	"sync"
	"sync/atomic"
)

// sessionSeq hands out monotonically increasing ordering keys so Sessions
// can be stored in ordered containers with a stable iteration order (the
// registry's own per-channel sets are unordered maps), matching spec's "identified by a stable
// ordered key" requirement without exposing a wall-clock timestamp.
var sessionSeq uint64

// Session is a logical conversation rooted in a Consumer. One channel may
// host 1..N sessions depending on whether its local port is configured
// multi-session.
type Session struct {
	// key orders this session relative to others; see sessionSeq.
	key uint64

	Consumer Consumer

	// locked is set while a StreamSource owns the channel's outbound
	// direction; the write pipeline (flushBatch) rejects normal packages with
	// StatusRejectedSessionLock while this is true.
	locked atomic.Bool

	mu         sync.RWMutex
	attributes map[string]any
}

// NewSession creates a Session bound to the given consumer. Consumers call
// this from their CreateSession/GetSession callback.
func NewSession(consumer Consumer) *Session {
	return &Session{
		key:        atomic.AddUint64(&sessionSeq, 1),
		Consumer:   consumer,
		attributes: make(map[string]any),
	}
}

// Key returns the session's stable ordering key.
func (s *Session) Key() uint64 { return s.key }

// Less orders sessions by key, satisfying container/heap-style ordered
// storage if a caller needs it.
func (s *Session) Less(other *Session) bool { return s.key < other.key }

// Locked reports whether a streaming source currently owns this session's
// outbound direction.
func (s *Session) Locked() bool { return s.locked.Load() }

// SetAttribute stores a consumer-defined value under name.
func (s *Session) SetAttribute(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attributes[name] = value
}

// Attribute retrieves a consumer-defined value previously stored with
// SetAttribute.
func (s *Session) Attribute(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attributes[name]
	return v, ok
}

func (s *Session) lock() bool   { return s.locked.CompareAndSwap(false, true) }
func (s *Session) unlock()      { s.locked.Store(false) }
