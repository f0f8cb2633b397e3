package diag

import (
	"context"
	"sync"
	"time"
)

// ringSize is the number of recent envelopes retained for streaming reads.
const ringSize = 2000

// defaultHeartbeat keeps long-lived stream readers alive when no events
// arrive.
const defaultHeartbeat = 15 * time.Second

// Stream is a bounded ring of recent envelopes with condition-variable
// wakeups for blocked readers. It is fed by subscribing it to a Bus with
// the Wildcard topic.
type Stream struct {
	mu   sync.Mutex
	cond *sync.Cond

	ring  [ringSize]Envelope
	next  uint64 // sequence number of the next envelope to be written
	count int

	heartbeat time.Duration
	stopOnce  sync.Once
	stopCh    chan struct{}
}

func NewStream() *Stream {
	s := &Stream{heartbeat: defaultHeartbeat, stopCh: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.tick()
	return s
}

// Attach subscribes the stream to every event on the bus.
func (s *Stream) Attach(bus *Bus) {
	bus.Subscribe(Wildcard, s.Append)
}

// Append records an envelope and wakes blocked readers.
func (s *Stream) Append(env Envelope) {
	s.mu.Lock()
	s.ring[s.next%ringSize] = env
	s.next++
	if s.count < ringSize {
		s.count++
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Snapshot returns the retained envelopes in arrival order and the sequence
// number to resume from.
func (s *Stream) Snapshot() ([]Envelope, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, 0, s.count)
	start := s.next - uint64(s.count)
	for seq := start; seq < s.next; seq++ {
		out = append(out, s.ring[seq%ringSize])
	}
	return out, s.next
}

// WaitAfter blocks until at least one envelope beyond seq exists, the
// context is done, or a heartbeat tick fires. It returns the new envelopes
// (possibly none on heartbeat/ctx wakeup) and the next resume sequence.
func (s *Stream) WaitAfter(ctx context.Context, seq uint64) ([]Envelope, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.next <= seq && ctx.Err() == nil {
		waited := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(s.heartbeat):
			case <-waited:
				return
			}
			s.cond.Broadcast()
		}()
		s.cond.Wait()
		close(waited)
		// Heartbeat or cancellation: hand back an empty batch so the caller
		// can emit a keepalive.
		if s.next <= seq {
			return nil, seq
		}
	}
	if s.next <= seq {
		return nil, seq
	}
	oldest := s.next - uint64(s.count)
	if seq < oldest {
		seq = oldest
	}
	out := make([]Envelope, 0, s.next-seq)
	for i := seq; i < s.next; i++ {
		out = append(out, s.ring[i%ringSize])
	}
	return out, s.next
}

// Close stops the heartbeat ticker and wakes all readers.
func (s *Stream) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.cond.Broadcast()
}

func (s *Stream) tick() {
	t := time.NewTicker(s.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.cond.Broadcast()
		}
	}
}
