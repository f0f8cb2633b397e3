package wizard

import (
	"encoding/json"
	"time"

	"github.com/bookwright/bookwright/internal/canon"
	"github.com/bookwright/bookwright/internal/fsjail"
)

// Session status values.
const (
	StatusInProgress = "in_progress"
	StatusAborted    = "aborted"
	StatusProcessing = "processing"
)

// SourceRef names the scanned source location.
type SourceRef struct {
	Root    string `json:"root"`
	RelPath string `json:"rel_path"`
}

// ConflictItem is one colliding target path.
type ConflictItem struct {
	Root    string `json:"root"`
	RelPath string `json:"rel_path"`
}

// ConflictState carries the latest scan result. Seq increases with every
// scan so two equal fingerprints taken at different times can be told
// apart.
type ConflictState struct {
	Present     bool           `json:"present"`
	Items       []ConflictItem `json:"items"`
	Resolved    bool           `json:"resolved"`
	Policy      string         `json:"policy"`
	Fingerprint string         `json:"fingerprint"`
	Seq         int            `json:"seq"`
}

// Derived holds the session's derived fingerprints.
type Derived struct {
	DiscoveryFingerprint       string `json:"discovery_fingerprint"`
	EffectiveConfigFingerprint string `json:"effective_config_fingerprint"`
	ConflictFingerprint        string `json:"conflict_fingerprint,omitempty"`
}

// SessionState is the persisted per-session document (state.json). Inputs
// mirrors Answers for legacy readers.
type SessionState struct {
	SessionID            string                       `json:"session_id"`
	CreatedAt            string                       `json:"created_at"`
	UpdatedAt            string                       `json:"updated_at"`
	Phase                int                          `json:"phase"`
	Mode                 string                       `json:"mode"`
	Source               SourceRef                    `json:"source"`
	CurrentStepID        string                       `json:"current_step_id"`
	CompletedStepIDs     []string                     `json:"completed_step_ids"`
	Answers              map[string]map[string]any    `json:"answers"`
	Inputs               map[string]map[string]any    `json:"inputs"`
	Computed             map[string]any               `json:"computed"`
	SelectedAuthorIDs    []string                     `json:"selected_author_ids"`
	SelectedBookIDs      []string                     `json:"selected_book_ids"`
	EffectiveAuthorTitle map[string]map[string]string `json:"effective_author_title"`
	Derived              Derived                      `json:"derived"`
	Conflicts            ConflictState                `json:"conflicts"`
	Status               string                       `json:"status"`
	ModelFingerprint     string                       `json:"model_fingerprint"`
	Errors               []string                     `json:"errors"`
}

// SessionID is deterministic over the creation inputs: 16 hex of SHA-256
// over source root, path, mode, and the three fingerprints.
func SessionID(root, rel, mode, modelFP, discoveryFP, configFP string) string {
	return canon.ShortHash(root+"|"+rel+"|"+mode+"|"+modelFP+"|"+discoveryFP+"|"+configFP, 8)
}

func sessionDir(sid string) string {
	return fsjail.Join("import", "sessions", sid)
}

func sessionRel(sid, name string) string {
	return fsjail.Join(sessionDir(sid), name)
}

// loadSession reads state.json, mapping a missing directory to NOT_FOUND.
func loadSession(jail *fsjail.Jail, sid string) (*SessionState, error) {
	var st SessionState
	err := jail.ReadJSON(fsjail.RootWizards, sessionRel(sid, "state.json"), &st)
	if err != nil {
		if fsjail.IsKind(err, fsjail.KindNotFound) {
			return nil, notFoundErr("unknown session: " + sid)
		}
		return nil, internalErr(err)
	}
	return &st, nil
}

// saveSession persists state.json atomically, stamping updated_at.
func saveSession(jail *fsjail.Jail, st *SessionState, now time.Time) error {
	st.UpdatedAt = now.UTC().Format(time.RFC3339)
	if err := jail.WriteJSONAtomic(fsjail.RootWizards, sessionRel(st.SessionID, "state.json"), st); err != nil {
		return internalErr(err)
	}
	return nil
}

// auditEntry is one decisions.jsonl line.
type auditEntry struct {
	Timestamp string `json:"ts"`
	StepID    string `json:"step_id,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	PayloadFP string `json:"payload_fp,omitempty"`
}

// appendAudit writes one line to the session's append-only audit log.
// Audit failures never abort the primary operation.
func appendAudit(jail *fsjail.Jail, sid string, e auditEntry) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	w, err := jail.OpenAppend(fsjail.RootWizards, sessionRel(sid, "decisions.jsonl"))
	if err != nil {
		return
	}
	defer w.Close()
	_, _ = w.Write(append(b, '\n'))
}
