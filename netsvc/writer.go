package netsvc

import (
	"sync"
	"sync/atomic"
	"time"
)

// writeQueue is the per-channel FIFO described in §4.4: every enqueue sets
// the channel's interest to WRITE (here: wakes the writer goroutine) and
// the writer drains up to maxFlushBatch packages at a time.
type writeQueue struct {
	mu    sync.Mutex
	items []*Package

	// wake has capacity 1; a push always makes a pending signal available
	// even if a drain is already in flight, the same way re-arming WRITE
	// interest on an already-armed key is a no-op.
	wake chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{wake: make(chan struct{}, 1)}
}

func (q *writeQueue) push(pkg *Package) {
	q.mu.Lock()
	q.items = append(q.items, pkg)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *writeQueue) drainBatch(max int) []*Package {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	n := max
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := q.items[:n:n]
	q.items = q.items[n:]
	return batch
}

// WriteData enqueues payload for session, chunked and flushed by the
// write pipeline in FIFO order relative to every other enqueue on the
// same channel.
func (svc *Service) WriteData(session *Session, payload []byte) error {
	return svc.enqueueWrite(session, NewPackage(ActionWrite, payload))
}

// WriteStream enqueues a streaming hand-off: once the normal queue
// reaches this package, the session is locked and source.Run is
// scheduled on the service pool (§4.4.1).
func (svc *Service) WriteStream(session *Session, payload []byte, source StreamSource) error {
	return svc.enqueueWrite(session, StreamingPackage(payload, source))
}

// Disconnect enqueues a DISCONNECT carrying farewell bytes (which may be
// empty) as the session's final write.
func (svc *Service) Disconnect(session *Session, farewell []byte) error {
	return svc.enqueueWrite(session, NewPackage(ActionDisconnect, farewell))
}

func (svc *Service) enqueueWrite(session *Session, pkg *Package) error {
	ch, ok := svc.channelOf(session)
	if !ok {
		return &ProtocolError{Reason: "write to unknown session", Err: ErrUnknownSession}
	}
	q, ok := svc.queueOf(ch)
	if !ok {
		return ErrChannelClosed
	}
	pkg.Session = session
	q.push(pkg)
	if err := svc.ioPool.Submit(func() { svc.runFlush(ch, q) }); err != nil {
		// Backpressure: the I/O pool is full, so the flush runs on an
		// unpooled goroutine rather than leaving the package queued until
		// some later enqueue happens to get a worker.
		atomic.AddUint64(&svc.stats.BackpressureHit, 1)
		go svc.runFlush(ch, q)
		return nil
	}
	return nil
}

// runFlush is the writer goroutine body for one flush invocation: wait
// for a wake signal, then drain batches of up to maxFlushBatch until the
// queue empties or a DISCONNECT/IO error ends the channel.
func (svc *Service) runFlush(ch *channel, q *writeQueue) {
	select {
	case <-q.wake:
	default:
		return
	}
	for {
		batch := q.drainBatch(maxFlushBatch)
		if len(batch) == 0 {
			return
		}
		if svc.flushBatch(ch, q, batch) {
			return
		}
	}
}

// flushBatch executes §4.4 steps 1-4 over one batch. It returns true if
// the channel ended (DISCONNECT or IO error) and no further flushing of
// this channel should occur.
func (svc *Service) flushBatch(ch *channel, q *writeQueue, batch []*Package) bool {
	svc.setLastWrite(ch, time.Now())

	for _, pkg := range batch {
		if pkg.Action == ActionDisconnect {
			svc.handleDisconnect(ch, pkg)
			return true
		}

		session := pkg.Session
		if session.Locked() {
			pkg.Status = StatusRejectedSessionLock
			svc.emit(session, pkg)
			continue
		}

		if err := svc.writePayload(ch, session, pkg); err != nil {
			pkg.Status = StatusIOError
			atomic.AddUint64(&svc.stats.IOErrors, 1)
			svc.logger.Warn("netsvc: write failed, destroying channel", "err", err.Error())
			svc.destroyChannel(ch, svc.cfg.NetDisconnectAndRemove)
			svc.emit(session, pkg)
			return true
		}
		atomic.AddUint64(&svc.stats.BytesWritten, uint64(len(pkg.Payload)))

		if pkg.Action == ActionStreaming {
			svc.streamingInit(ch, session, pkg)
			continue // WRITE is emitted by streamingDone, not here
		}

		pkg.Status = StatusOK
		svc.emit(session, pkg)
	}
	return false
}

// writePayload chunks pkg.Payload into NET_OUTPUT_BUFFER_SIZE slices and
// writes each one, optionally sealing it with the channel's cipher first.
// An empty payload performs zero socket writes (§8 boundary case) but
// still reports success so the caller emits a WRITE.
func (svc *Service) writePayload(ch *channel, session *Session, pkg *Package) error {
	chunks := chunk(pkg.Payload, svc.cfg.NetOutputBufferSize)
	for _, c := range chunks {
		out := c
		if ch.cipher != nil {
			if ch.isUDP() {
				// A UDP datagram is already a self-delimiting frame; no
				// length prefix is needed on top of nonce+ciphertext.
				nonce, err := RandomNonce(ch.cipher)
				if err != nil {
					return err
				}
				out = ch.cipher.Seal(append([]byte{}, nonce...), nonce, c, nil)
			} else {
				sealed, err := sealFrame(ch.cipher, c)
				if err != nil {
					return err
				}
				out = sealed
			}
		}

		if ch.isUDP() && ch.packetConn != nil {
			addr, ok := svc.addressStillMapped(ch, session)
			if !ok {
				// Stale write after rebind: silently dropped, never an
				// error (§4.4 step 3, §8 scenario 3).
				continue
			}
			if err := ch.rawWriteTo(out, addr); err != nil {
				return err
			}
			continue
		}

		ch.writeMu.Lock()
		err := ch.rawWrite(out)
		ch.writeMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// handleDisconnect implements §4.4 step 4.
func (svc *Service) handleDisconnect(ch *channel, pkg *Package) {
	session := pkg.Session

	if !ch.isUDP() {
		svc.destroyChannel(ch, svc.cfg.NetDisconnectAndRemove)
	} else if ch.packetConn != nil {
		// Shared UDP server socket: only this session's mapping is torn
		// down, never the socket other peers still use.
		svc.removeSessionFromChannel(ch, session, svc.cfg.NetDisconnectAndRemove)
	} else {
		// UDP client (dialed) channel: this is the channel's only
		// session, so it behaves like the TCP case.
		svc.destroyChannel(ch, svc.cfg.NetDisconnectAndRemove)
	}

	pkg.Status = StatusOK
	svc.emit(session, pkg)
}

// streamingInit locks the session and schedules the stream source,
// unlocking and emitting WRITE once it completes (§4.4.1).
func (svc *Service) streamingInit(ch *channel, session *Session, pkg *Package) {
	if !session.lock() {
		// Should not happen: the write pipeline never runs two writers
		// concurrently for the same session. Defensive no-op.
		pkg.Status = StatusRejectedSessionLock
		svc.emit(session, pkg)
		return
	}

	src := pkg.source
	if err := src.Init(svc, ch, pkg); err != nil {
		session.unlock()
		pkg.Status = StatusIOError
		svc.emit(session, pkg)
		return
	}

	if err := svc.servicePool.Submit(func() {
		src.Run()
		svc.streamingDone(session, pkg)
	}); err != nil {
		go func() {
			src.Run()
			svc.streamingDone(session, pkg)
		}()
	}
}

// streamingDone unlocks the session and emits the deferred WRITE for a
// streaming package once its source has finished.
func (svc *Service) streamingDone(session *Session, pkg *Package) {
	session.unlock()
	pkg.Status = StatusOK
	svc.emit(session, pkg)
}
