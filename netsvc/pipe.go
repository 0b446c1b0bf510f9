package netsvc

import (
	"io"
	"sync"
)

const pipeBufSize = 4096

// copyBuffered is io.Copy with a pipeBufSize scratch buffer allocated per
// call in place of io.Copy's default 32KB one.
func copyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	if wt, ok := src.(io.WriterTo); ok {
		return wt.WriteTo(dst)
	}
	if rt, ok := dst.(io.ReaderFrom); ok {
		return rt.ReadFrom(src)
	}
	buf := make([]byte, pipeBufSize)
	return io.CopyBuffer(dst, src, buf)
}

// Pipe relays bytes bidirectionally between alice and bob until either
// direction ends, then closes both. It reads from both ends, so it must
// be the only reader of each; a registered channel's connection already
// has its read loop as a reader (see ReaderStreamSource).
func Pipe(alice, bob io.ReadWriteCloser) (errA, errB error) {
	var closeOnce sync.Once
	var wg sync.WaitGroup
	wg.Add(2)

	relay := func(dst io.Writer, src io.ReadCloser, err *error) {
		defer wg.Done()
		_, *err = copyBuffered(dst, src)
		closeOnce.Do(func() {
			alice.Close()
			bob.Close()
		})
	}

	go relay(alice, bob, &errA)
	go relay(bob, alice, &errB)
	wg.Wait()
	return errA, errB
}

// ReaderStreamSource is a StreamSource that streams src directly into the
// channel's connection via copyBuffered, bypassing the normal
// enqueue/chunk/flush path (§4.4) entirely, for a bulk payload (e.g. a
// banner file) too large to usefully split into NetOutputBufferSize
// writes. Run only writes: the channel's own read loop is the sole reader
// of ch.conn's inbound side for as long as the channel lives, so Run must
// never also read from it (that would race two goroutines over the same
// socket); this is why ReaderStreamSource wraps copyBuffered directly
// rather than Pipe, whose bidirectional relay also reads both ends.
type ReaderStreamSource struct {
	src io.Reader

	ch *channel
}

// NewReaderStreamSource builds a ReaderStreamSource that will stream src
// into whatever channel it's handed in Init.
func NewReaderStreamSource(src io.Reader) *ReaderStreamSource {
	return &ReaderStreamSource{src: src}
}

// Init implements StreamSource.
func (s *ReaderStreamSource) Init(svc *Service, ch *channel, pkg *Package) error {
	if ch.conn == nil {
		return &ProtocolError{Reason: "reader stream source requires a connection-oriented channel"}
	}
	s.ch = ch
	return nil
}

// Run implements StreamSource: it holds the channel's write lock for the
// duration of the copy, the same serialization writePayload uses, so this
// never interleaves with a concurrent chunked write. If src also
// implements io.Closer (e.g. an *os.File), Run closes it once the copy
// ends.
func (s *ReaderStreamSource) Run() {
	s.ch.writeMu.Lock()
	defer s.ch.writeMu.Unlock()
	copyBuffered(s.ch.conn, s.src)
	if c, ok := s.src.(io.Closer); ok {
		c.Close()
	}
}
