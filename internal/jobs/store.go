package jobs

import (
	"sort"
	"strings"

	"github.com/bookwright/bookwright/internal/fsjail"
)

// recordsDir is the flat job directory under the Jobs root: one
// <job_id>.json record plus one append-only <job_id>.log per job.
const recordsDir = "records"

// Store reads and writes job records through the jail.
type Store struct {
	jail *fsjail.Jail
}

func NewStore(jail *fsjail.Jail) *Store {
	return &Store{jail: jail}
}

func recordRel(jobID string) string {
	return fsjail.Join(recordsDir, jobID+".json")
}

func logRel(jobID string) string {
	return fsjail.Join(recordsDir, jobID+".log")
}

// Save persists a record atomically.
func (s *Store) Save(r *Record) error {
	return s.jail.WriteJSONAtomic(fsjail.RootJobs, recordRel(r.JobID), r)
}

// Load reads one record.
func (s *Store) Load(jobID string) (*Record, error) {
	var r Record
	if err := s.jail.ReadJSON(fsjail.RootJobs, recordRel(jobID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Exists reports whether a record file is present.
func (s *Store) Exists(jobID string) (bool, error) {
	return s.jail.Exists(fsjail.RootJobs, recordRel(jobID))
}

// List returns all records, newest mtime first, ties broken by id.
func (s *Store) List() ([]*Record, error) {
	entries, err := s.jail.List(fsjail.RootJobs, recordsDir, false)
	if err != nil {
		if fsjail.IsKind(err, fsjail.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	type row struct {
		rec   *Record
		entry fsjail.Entry
	}
	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		if e.IsDir || !strings.HasSuffix(e.RelPath, ".json") {
			continue
		}
		id := strings.TrimSuffix(e.RelPath[strings.LastIndex(e.RelPath, "/")+1:], ".json")
		rec, err := s.Load(id)
		if err != nil {
			// A torn or foreign file in the records dir must not hide the
			// rest of the queue.
			continue
		}
		rows = append(rows, row{rec: rec, entry: e})
	}
	sort.Slice(rows, func(i, k int) bool {
		if !rows[i].entry.MTime.Equal(rows[k].entry.MTime) {
			return rows[i].entry.MTime.After(rows[k].entry.MTime)
		}
		return rows[i].rec.JobID < rows[k].rec.JobID
	})
	out := make([]*Record, len(rows))
	for i, r := range rows {
		out[i] = r.rec
	}
	return out, nil
}

// AppendLog appends raw bytes to the job's log stream.
func (s *Store) AppendLog(jobID string, line []byte) error {
	w, err := s.jail.OpenAppend(fsjail.RootJobs, logRel(jobID))
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if len(line) > 0 && line[len(line)-1] != '\n' {
		line = append(append([]byte{}, line...), '\n')
	}
	_, err = w.Write(line)
	return err
}

// TailLog returns the last maxBytes of the job's log.
func (s *Store) TailLog(jobID string, maxBytes int64) ([]byte, error) {
	return s.jail.TailBytes(fsjail.RootJobs, logRel(jobID), maxBytes)
}
