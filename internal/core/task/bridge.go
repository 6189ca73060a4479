package task

import (
	"sync"
	"time"

	"github.com/ClareAI/astra-call-control/internal/core/media"
)

// Bridge joins a queued member with the call that dequeued it. It ends exactly once,
// whichever leg leaves first.
type Bridge struct {
	MemberCallSid string
	Member        media.Endpoint
	EnqueuedAt    time.Time

	once sync.Once
	done chan struct{}
}

func NewBridge(memberCallSid string, member media.Endpoint, enqueuedAt time.Time) *Bridge {
	return &Bridge{
		MemberCallSid: memberCallSid,
		Member:        member,
		EnqueuedAt:    enqueuedAt,
		done:          make(chan struct{}),
	}
}

// End tears the bridge down; later calls do nothing
func (b *Bridge) End() {
	b.once.Do(func() { close(b.done) })
}

func (b *Bridge) Done() <-chan struct{} { return b.done }

// BridgeRegistry is where a dequeuing call waits for its member to arrive on this process,
// either directly or after a handoff.
type BridgeRegistry struct {
	mu      sync.Mutex
	waiting map[string]chan *Bridge
}

func NewBridgeRegistry() *BridgeRegistry {
	return &BridgeRegistry{waiting: make(map[string]chan *Bridge)}
}

// Expect registers dequeuerCallSid as waiting; cancel withdraws the registration
func (r *BridgeRegistry) Expect(dequeuerCallSid string) (arrivals <-chan *Bridge, cancel func()) {
	ch := make(chan *Bridge, 1)
	r.mu.Lock()
	r.waiting[dequeuerCallSid] = ch
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.waiting[dequeuerCallSid] == ch {
			delete(r.waiting, dequeuerCallSid)
		}
	}
}

// Offer hands a bridge to the waiting dequeuer; false when nobody is waiting
func (r *BridgeRegistry) Offer(dequeuerCallSid string, b *Bridge) bool {
	r.mu.Lock()
	ch, ok := r.waiting[dequeuerCallSid]
	if ok {
		delete(r.waiting, dequeuerCallSid)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- b
	return true
}
