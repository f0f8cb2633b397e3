package jobs

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bookwright/bookwright/internal/diag"
	"github.com/bookwright/bookwright/internal/fsjail"
)

// Service owns job creation, transitions, logs, and the per-session
// idempotency map. All mutations are serialized; the store file is written
// before any diagnostic about the transition is published.
type Service struct {
	mu    sync.Mutex
	store *Store
	jail  *fsjail.Jail
	bus   *diag.Bus

	now func() time.Time
}

func NewService(jail *fsjail.Jail, bus *diag.Bus) *Service {
	return &Service{store: NewStore(jail), jail: jail, bus: bus, now: time.Now}
}

func (s *Service) Store() *Store { return s.store }

// NewJobID returns a fresh ULID job id.
func NewJobID() string {
	return strings.ToLower(ulid.Make().String())
}

// Create persists a new PENDING job.
func (s *Service) Create(typ Type, meta Meta) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &Record{
		JobID:   NewJobID(),
		Type:    typ,
		State:   StatePending,
		Meta:    meta,
		Created: stamp(s.now()),
	}
	if err := s.store.Save(rec); err != nil {
		return nil, err
	}
	s.publish("job.create", rec, nil)
	return rec, nil
}

// Get loads a record by id.
func (s *Service) Get(jobID string) (*Record, error) {
	return s.store.Load(jobID)
}

// List returns all records, newest first.
func (s *Service) List() ([]*Record, error) {
	return s.store.List()
}

// MarkRunning transitions PENDING -> RUNNING.
func (s *Service) MarkRunning(jobID string) (*Record, error) {
	return s.apply(jobID, StateRunning, func(r *Record) {})
}

// MarkSucceeded transitions RUNNING -> SUCCEEDED with full progress.
func (s *Service) MarkSucceeded(jobID string) (*Record, error) {
	return s.apply(jobID, StateSucceeded, func(r *Record) {
		r.Progress = 1
		rc := 0
		r.ReturnCode = &rc
	})
}

// MarkFailed transitions RUNNING -> FAILED, recording "<Kind>: <msg>".
func (s *Service) MarkFailed(jobID string, cause error) (*Record, error) {
	return s.apply(jobID, StateFailed, func(r *Record) {
		if cause != nil {
			r.Error = cause.Error()
		}
	})
}

// Cancel transitions PENDING or RUNNING -> CANCELLED. Cancelling a RUNNING
// job also raises the level-triggered flag so an executing worker stops at
// its next boundary.
func (s *Service) Cancel(jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.store.Load(jobID)
	if err != nil {
		return nil, err
	}
	if rec.State == StateRunning {
		rec.CancelRequested = true
		if err := s.store.Save(rec); err != nil {
			return nil, err
		}
		s.publish("job.cancel_requested", rec, nil)
		return rec, nil
	}
	if err := rec.transition(StateCancelled, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.Save(rec); err != nil {
		return nil, err
	}
	s.publishEnd(rec)
	return rec, nil
}

// FinishCancelled is called by a worker that observed the cancel flag.
func (s *Service) FinishCancelled(jobID string) (*Record, error) {
	return s.apply(jobID, StateCancelled, func(r *Record) {})
}

// CancelRequested reports the current level of the job's cancel flag.
func (s *Service) CancelRequested(jobID string) bool {
	rec, err := s.store.Load(jobID)
	if err != nil {
		return false
	}
	return rec.CancelRequested || rec.State == StateCancelled
}

// SetProgress updates the progress fraction in place.
func (s *Service) SetProgress(jobID string, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.store.Load(jobID)
	if err != nil {
		return err
	}
	rec.Progress = progress
	return s.store.Save(rec)
}

// AddWarning appends a non-fatal condition to the job record.
func (s *Service) AddWarning(jobID, warning string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.store.Load(jobID)
	if err != nil {
		return err
	}
	rec.Warnings = append(rec.Warnings, warning)
	return s.store.Save(rec)
}

// AppendLog writes a line to the job's append-only log.
func (s *Service) AppendLog(jobID, line string) error {
	return s.store.AppendLog(jobID, []byte(line))
}

// Retry creates a new PENDING job copying the prior decision with a
// retry_of back-pointer. The prior record is left untouched.
func (s *Service) Retry(jobID string) (*Record, error) {
	prior, err := s.store.Load(jobID)
	if err != nil {
		return nil, err
	}
	if !prior.State.Terminal() {
		return nil, fmt.Errorf("job %s is not terminal (state=%s)", jobID, prior.State)
	}
	meta := prior.Meta
	meta.RetryOf = prior.JobID
	return s.Create(prior.Type, meta)
}

func (s *Service) apply(jobID string, to State, mutate func(*Record)) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.store.Load(jobID)
	if err != nil {
		return nil, err
	}
	if err := rec.transition(to, s.now()); err != nil {
		return nil, err
	}
	mutate(rec)
	if err := s.store.Save(rec); err != nil {
		return nil, err
	}
	if to == StateRunning {
		s.publish("diag.job.start", rec, nil)
	} else {
		s.publishEnd(rec)
	}
	return rec, nil
}

func (s *Service) publishEnd(rec *Record) {
	s.publish("diag.job.end", rec, map[string]any{
		"status": strings.ToLower(string(rec.State)),
	})
}

func (s *Service) publish(event string, rec *Record, extra map[string]any) {
	if s.bus == nil {
		return
	}
	data := map[string]any{
		"job_id":            rec.JobID,
		"job_type":          strings.ToLower(string(rec.Type)),
		"state":             string(rec.State),
		"session_id":        rec.Meta.SessionID,
		"idempotency_key":   rec.Meta.IdempotencyKey,
		"job_requests_path": rec.Meta.JobRequestsPath,
		"meta_source":       rec.Meta.Source,
		"book_rel_path":     rec.Meta.BookRelPath,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.bus.Publish(event, "jobs", "", data)
}

// --- idempotency map -------------------------------------------------------

func idempotencyRel(sessionID string) string {
	return fsjail.Join("import", "sessions", sessionID, "idempotency.json")
}

// LookupIdempotent resolves idempotency_key -> job_id for a session.
func (s *Service) LookupIdempotent(sessionID, key string) (string, bool, error) {
	m, err := s.readIdempotencyMap(sessionID)
	if err != nil {
		return "", false, err
	}
	id, ok := m[key]
	return id, ok, nil
}

// GetOrCreateIdempotent returns the existing job for key, or creates one via
// create and records the mapping. The mapping file lives alongside the
// session so the whole session directory remains self-describing.
func (s *Service) GetOrCreateIdempotent(sessionID, key string, typ Type, meta Meta) (*Record, bool, error) {
	if id, ok, err := s.LookupIdempotent(sessionID, key); err != nil {
		return nil, false, err
	} else if ok {
		rec, err := s.store.Load(id)
		if err != nil {
			return nil, false, err
		}
		return rec, false, nil
	}
	meta.IdempotencyKey = key
	meta.SessionID = sessionID
	rec, err := s.Create(typ, meta)
	if err != nil {
		return nil, false, err
	}
	m, err := s.readIdempotencyMap(sessionID)
	if err != nil {
		return nil, false, err
	}
	m[key] = rec.JobID
	if err := s.jail.WriteJSONAtomic(fsjail.RootWizards, idempotencyRel(sessionID), m); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *Service) readIdempotencyMap(sessionID string) (map[string]string, error) {
	m := map[string]string{}
	err := s.jail.ReadJSON(fsjail.RootWizards, idempotencyRel(sessionID), &m)
	if err != nil && !fsjail.IsKind(err, fsjail.KindNotFound) {
		return nil, err
	}
	return m, nil
}
