package netsvc

import (
	"net"
	"sync/atomic"
	"time"
)

// registerChannel adds a freshly accepted/dialed channel to the registry,
// creating its output queue and lastWrite entry (§3 registry invariants:
// "outputQueue[C] and lastWrite[C] exist exactly while C is registered").
func (svc *Service) registerChannel(ch *channel) *writeQueue {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	q := newWriteQueue()
	svc.outputQueues[ch] = q
	svc.lastWrite[ch] = time.Time{}
	svc.sessionSet[ch] = make(map[*Session]struct{})
	if ch.isUDP() {
		svc.addrSessions[ch] = make(map[string]*Session)
	}
	return q
}

// singletonSession returns ch's one bound session when ch is not
// multi-session and already has exactly one, matching "if the channel has
// sessions AND the port is not multi-session, reuse the singleton session;
// otherwise create a new one" (§4.3). A multi-session channel never reuses
// a session from this path, regardless of how many it already has bound,
// since one physical connection on such a port is expected to fan out into
// many protocol-level sessions.
func (svc *Service) singletonSession(ch *channel) (*Session, bool) {
	if ch.multiSession {
		return nil, false
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	set := svc.sessionSet[ch]
	if len(set) != 1 {
		return nil, false
	}
	for s := range set {
		return s, true
	}
	return nil, false
}

// bindSession attaches session to ch: channels[S]=C and S is added to
// sessionsByChannel[C]. If session was previously bound to a different
// channel, the caller must have already migrated it via updateChannel;
// bindSession itself does not migrate.
func (svc *Service) bindSession(ch *channel, session *Session) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.channels[session] = ch
	if svc.sessionSet[ch] == nil {
		svc.sessionSet[ch] = make(map[*Session]struct{})
	}
	svc.sessionSet[ch][session] = struct{}{}
	atomic.AddUint64(&svc.stats.SessionsOpened, 1)
}

// bindAddress records a UDP session's peer address, both directions:
// addresses[S]=addr and sessionsByAddress[C][addr]=S.
func (svc *Service) bindAddress(ch *channel, session *Session, addr net.Addr) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.addresses[session] = addr
	if svc.addrSessions[ch] == nil {
		svc.addrSessions[ch] = make(map[string]*Session)
	}
	svc.addrSessions[ch][addr.String()] = session
}

// sessionForAddress looks up the session bound to addr on ch, the UDP read
// demultiplexing rule from §4.3.
func (svc *Service) sessionForAddress(ch *channel, addr net.Addr) (*Session, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	m := svc.addrSessions[ch]
	if m == nil {
		return nil, false
	}
	s, ok := m[addr.String()]
	return s, ok
}

// addressStillMapped is the write pipeline's stale-rebind guard (§4.4
// step 3: "send each slice ... only if sessionsByAddress[addr] still maps
// to that session").
func (svc *Service) addressStillMapped(ch *channel, session *Session) (net.Addr, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	addr, ok := svc.addresses[session]
	if !ok {
		return nil, false
	}
	m := svc.addrSessions[ch]
	if m == nil || m[addr.String()] != session {
		return nil, false
	}
	return addr, true
}

// channelOf returns the channel currently bound to session.
func (svc *Service) channelOf(session *Session) (*channel, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	ch, ok := svc.channels[session]
	return ch, ok
}

// queueOf returns the write queue for ch, if still registered.
func (svc *Service) queueOf(ch *channel) (*writeQueue, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	q, ok := svc.outputQueues[ch]
	return q, ok
}

func (svc *Service) setLastWrite(ch *channel, t time.Time) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if _, ok := svc.outputQueues[ch]; ok {
		svc.lastWrite[ch] = t
	}
}

// LastWrite reports the last time the write pipeline flushed ch, for
// tests and keepalive policies.
func (svc *Service) LastWrite(ch *channel) (time.Time, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	t, ok := svc.lastWrite[ch]
	return t, ok
}

// updateChannel migrates every session, the output queue and lastWrite
// entry from old to neu (channel migration on TCP reconnect, §4.3), then
// closes old. Per the invariant: every S previously in
// sessionsByChannel[old] satisfies channels[S]=neu afterwards, and
// outputQueue[neu]/lastWrite[neu] equal old's values.
func (svc *Service) updateChannel(old, neu *channel) {
	svc.mu.Lock()
	sessions := svc.sessionSet[old]
	q := svc.outputQueues[old]
	lw := svc.lastWrite[old]

	if svc.sessionSet[neu] == nil {
		svc.sessionSet[neu] = make(map[*Session]struct{})
	}
	for s := range sessions {
		svc.channels[s] = neu
		svc.sessionSet[neu][s] = struct{}{}
	}
	delete(svc.sessionSet, old)
	svc.outputQueues[neu] = q
	svc.lastWrite[neu] = lw
	delete(svc.outputQueues, old)
	delete(svc.lastWrite, old)
	svc.mu.Unlock()

	_ = old.close()
}

// destroyChannel tears ch down: removed from sessionsByChannel,
// outputQueue and lastWrite; every session on it is removed from
// channels; if disconnectAndRemove, sessions are also evicted from the
// session set and DestroySession is invoked; finally the socket is
// closed. Idempotent: a second call on an already-removed channel is a
// no-op (§4.3, §8 invariant).
func (svc *Service) destroyChannel(ch *channel, disconnectAndRemove bool) {
	svc.mu.Lock()
	sessions, known := svc.sessionSet[ch]
	if !known {
		svc.mu.Unlock()
		return
	}
	removed := make([]*Session, 0, len(sessions))
	for s := range sessions {
		delete(svc.channels, s)
		removed = append(removed, s)
		if addr, ok := svc.addresses[s]; ok && svc.addrSessions[ch] != nil {
			delete(svc.addrSessions[ch], addr.String())
		}
		if disconnectAndRemove {
			delete(svc.addresses, s)
		}
	}
	delete(svc.sessionSet, ch)
	delete(svc.outputQueues, ch)
	delete(svc.lastWrite, ch)
	delete(svc.addrSessions, ch)
	svc.mu.Unlock()

	_ = ch.close()

	if disconnectAndRemove {
		for _, s := range removed {
			s.Consumer.DestroySession(s)
			atomic.AddUint64(&svc.stats.SessionsClosed, 1)
		}
	}
}

// removeSessionFromChannel detaches one session from a channel that keeps
// serving other sessions (a UDP server socket losing one peer). Unlike
// destroyChannel this never closes the underlying socket.
func (svc *Service) removeSessionFromChannel(ch *channel, session *Session, disconnectAndRemove bool) {
	svc.mu.Lock()
	delete(svc.channels, session)
	if set := svc.sessionSet[ch]; set != nil {
		delete(set, session)
	}
	if addr, ok := svc.addresses[session]; ok {
		if m := svc.addrSessions[ch]; m != nil {
			delete(m, addr.String())
		}
		if disconnectAndRemove {
			delete(svc.addresses, session)
		}
	}
	svc.mu.Unlock()

	if disconnectAndRemove {
		session.Consumer.DestroySession(session)
		atomic.AddUint64(&svc.stats.SessionsClosed, 1)
	}
}
