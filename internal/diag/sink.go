package diag

import (
	"encoding/json"
	"os"
	"sync"
)

// FileSink persists every published envelope as one NDJSON line. Writes
// are serialized and failures are swallowed: a broken sink must never
// abort a primary operation.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// AttachFileSink opens (or creates) the events file in append mode and
// subscribes to the wildcard topic.
func AttachFileSink(bus *Bus, path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	s := &FileSink{f: f}
	bus.Subscribe(Wildcard, s.write)
	return s, nil
}

func (s *FileSink) write(e Envelope) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return
	}
	_, _ = s.f.Write(append(b, '\n'))
}

// Close stops persisting. The subscription stays registered but becomes a
// no-op.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
