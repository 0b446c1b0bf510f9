package netsvc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatcherDeliversInFIFOOrder(t *testing.T) {
	d := newDispatcher(nil)
	session := NewSession(&stubServer{})

	var mu sync.Mutex
	var got []int
	deliver := func(pkg *Package) {
		mu.Lock()
		got = append(got, int(pkg.Payload[0]))
		mu.Unlock()
	}

	for i := 0; i < 20; i++ {
		d.enqueue(session, NewPackage(ActionRead, []byte{byte(i)}), deliver)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestDispatcherReadAndWriteDirectionsAreIndependent(t *testing.T) {
	d := newDispatcher(nil)
	session := NewSession(&stubServer{})

	block := make(chan struct{})
	var readDelivered, writeDelivered atomicBool

	deliver := func(pkg *Package) {
		switch pkg.Action {
		case ActionRead:
			<-block // the read queue stalls until the test releases it
			readDelivered.set()
		case ActionWrite:
			writeDelivered.set()
		}
	}

	d.enqueue(session, NewPackage(ActionRead, nil), deliver)
	d.enqueue(session, NewPackage(ActionWrite, nil), deliver)

	require.Eventually(t, func() bool { return writeDelivered.get() }, time.Second, time.Millisecond)
	require.False(t, readDelivered.get())

	close(block)
	require.Eventually(t, func() bool { return readDelivered.get() }, time.Second, time.Millisecond)
}

func TestDispatcherQueueRemovedOnceDrained(t *testing.T) {
	d := newDispatcher(nil)
	session := NewSession(&stubServer{})

	done := make(chan struct{})
	d.enqueue(session, NewPackage(ActionRead, nil), func(*Package) { close(done) })
	<-done

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.queues) == 0
	}, time.Second, time.Millisecond)
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set()       { a.mu.Lock(); a.v = true; a.mu.Unlock() }
func (a *atomicBool) get() bool  { a.mu.Lock(); defer a.mu.Unlock(); return a.v }
