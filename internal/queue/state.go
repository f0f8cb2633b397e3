package queue

import (
	"fmt"
	"runtime"

	"github.com/bookwright/bookwright/internal/fsjail"
)

type Mode string

const (
	ModeRunning Mode = "running"
	ModePaused  Mode = "paused"
)

const (
	stateRel   = "import/queue/queue_state.json"
	runsPrefix = "import/runs"
)

// State is the persisted queue mode. Paused workers stay attached and
// re-check the mode on their poll interval rather than exiting.
type State struct {
	Mode Mode `json:"mode"`
}

// LoadState reads the persisted queue mode, defaulting to running when no
// state file exists yet.
func LoadState(jail *fsjail.Jail) (*State, error) {
	var st State
	err := jail.ReadJSON(fsjail.RootWizards, stateRel, &st)
	if err != nil {
		if fsjail.IsKind(err, fsjail.KindNotFound) {
			return &State{Mode: ModeRunning}, nil
		}
		return nil, err
	}
	switch st.Mode {
	case ModeRunning, ModePaused:
	default:
		return nil, fmt.Errorf("queue state: invalid mode %q", st.Mode)
	}
	return &st, nil
}

// SaveState persists the queue mode atomically.
func SaveState(jail *fsjail.Jail, st *State) error {
	switch st.Mode {
	case ModeRunning, ModePaused:
	default:
		return fmt.Errorf("queue state: invalid mode %q", st.Mode)
	}
	return jail.WriteJSONAtomic(fsjail.RootWizards, stateRel, st)
}

// Pause persists mode=paused.
func Pause(jail *fsjail.Jail) error {
	return SaveState(jail, &State{Mode: ModePaused})
}

// Resume persists mode=running.
func Resume(jail *fsjail.Jail) error {
	return SaveState(jail, &State{Mode: ModeRunning})
}

// RunState is the per-run admission record written at processing start.
// Only jobs whose run_id resolves to a persisted run state are eligible for
// execution; orphan PENDING records from a crashed producer stay parked.
type RunState struct {
	RunID     string   `json:"run_id"`
	SessionID string   `json:"session_id"`
	Mode      string   `json:"mode"`
	CreatedAt string   `json:"created_at"`
	JobIDs    []string `json:"job_ids"`

	// Workers is the session's requested parallelism, already resolved
	// through ClampWorkers at processing start. Zero falls back to the
	// mode default at claim time.
	Workers int `json:"workers,omitempty"`
}

func runStateRel(runID string) string {
	return fsjail.Join(runsPrefix, runID+".json")
}

// SaveRunState persists the admission record for a run.
func SaveRunState(jail *fsjail.Jail, rs *RunState) error {
	if rs.RunID == "" {
		return fmt.Errorf("run state: empty run_id")
	}
	return jail.WriteJSONAtomic(fsjail.RootWizards, runStateRel(rs.RunID), rs)
}

// LoadRunState reads the admission record for a run.
func LoadRunState(jail *fsjail.Jail, runID string) (*RunState, error) {
	var rs RunState
	if err := jail.ReadJSON(fsjail.RootWizards, runStateRel(runID), &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// HasRunState reports whether a run's admission record exists.
func HasRunState(jail *fsjail.Jail, runID string) bool {
	if runID == "" {
		return false
	}
	ok, err := jail.Exists(fsjail.RootWizards, runStateRel(runID))
	return err == nil && ok
}

// ClampWorkers resolves the worker count: zero means the mode default
// (1 for inplace, 2 for stage), and the result is clamped to [1, NumCPU].
func ClampWorkers(n int, mode string) int {
	if n <= 0 {
		if mode == "inplace" {
			n = 1
		} else {
			n = 2
		}
	}
	if max := runtime.NumCPU(); n > max {
		n = max
	}
	if n < 1 {
		n = 1
	}
	return n
}
