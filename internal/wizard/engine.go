package wizard

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/bookwright/bookwright/internal/canon"
	"github.com/bookwright/bookwright/internal/diag"
	"github.com/bookwright/bookwright/internal/discovery"
	"github.com/bookwright/bookwright/internal/fsjail"
	"github.com/bookwright/bookwright/internal/jobs"
	"github.com/bookwright/bookwright/internal/queue"
	"github.com/bookwright/bookwright/internal/requests"
)

// StartResult is the start_processing response.
type StartResult struct {
	JobIDs    []string `json:"job_ids"`
	BatchSize int      `json:"batch_size"`
}

// Engine drives the import wizard: a linear step flow with conflict and
// plan edges, ending in a single Phase-2 entry that freezes job_requests
// and hands the batch to the queue.
//
// All operations are synchronous request/response over in-memory state
// plus atomic disk writes. Within a process the engine serializes wizard
// calls; across processes the patches-root lock is the arbiter.
type Engine struct {
	mu      sync.Mutex
	jail    *fsjail.Jail
	bus     *diag.Bus
	jobs    *jobs.Service
	indexer *discovery.Indexer
	catalog *Catalog
	flow    *FlowConfig

	// flows caches each session's frozen flow, loaded from the
	// effective_config.json snapshot.
	flows map[string]*FlowConfig

	now func() time.Time
}

func NewEngine(jail *fsjail.Jail, bus *diag.Bus, jobsvc *jobs.Service) (*Engine, error) {
	catalog, err := LoadCatalog(jail)
	if err != nil {
		return nil, err
	}
	flow, err := LoadFlow(jail, catalog)
	if err != nil {
		return nil, err
	}
	bus.Publish("model.load", "wizard", "", map[string]any{"steps": len(catalog.Steps)})
	return &Engine{
		jail:    jail,
		bus:     bus,
		jobs:    jobsvc,
		indexer: &discovery.Indexer{Jail: jail, Bus: bus},
		catalog: catalog,
		flow:    flow,
		flows:   map[string]*FlowConfig{},
		now:     time.Now,
	}, nil
}

// SetIgnoreGlobs configures discovery ignore patterns for future scans.
func (e *Engine) SetIgnoreGlobs(globs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indexer.Ignore = globs
}

// CreateSession creates or resumes the deterministic session for
// (root, rel, mode) under the current model and discovery state.
func (e *Engine) CreateSession(rootName, rel, mode string, ov *Overrides) (*SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mode == "" {
		mode = "stage"
	}
	if mode != "stage" && mode != "inplace" {
		return nil, validationErr("$.mode", "out_of_range", "mode must be stage or inplace")
	}
	root, err := fsjail.ParseRoot(rootName)
	if err != nil {
		return nil, validationErr("$.root", "unknown_id", err.Error())
	}
	exists, err := e.jail.Exists(root, rel)
	if err != nil {
		return nil, validationErr("$.path", "invalid_path", err.Error())
	}
	if !exists {
		return nil, validationErr("$.path", "not_found", "source path does not exist")
	}

	flow, err := e.flow.Apply(ov)
	if err != nil {
		return nil, err
	}
	snap, err := e.indexer.FastIndex(root, rel)
	if err != nil {
		return nil, internalErr(err)
	}
	discoveryFP, err := fingerprintOf(snap)
	if err != nil {
		return nil, internalErr(err)
	}
	model := map[string]any{"catalog": e.catalog, "flow": flow}
	modelFP, err := fingerprintOf(model)
	if err != nil {
		return nil, internalErr(err)
	}
	configFP, err := fingerprintOf(flow)
	if err != nil {
		return nil, internalErr(err)
	}
	sid := SessionID(string(root), snap.RelPath, mode, modelFP, discoveryFP, configFP)

	ok, err := e.jail.Exists(fsjail.RootWizards, sessionRel(sid, "state.json"))
	if err != nil {
		return nil, internalErr(err)
	}
	if ok {
		st, err := loadSession(e.jail, sid)
		if err != nil {
			return nil, err
		}
		// The runtime-projected model fingerprint may drift; nothing else
		// in the session directory is ever rewritten on resume.
		if st.ModelFingerprint != modelFP {
			st.ModelFingerprint = modelFP
			if err := saveSession(e.jail, st, e.now()); err != nil {
				return nil, err
			}
		}
		// The applied flow matches the frozen snapshot: the session id binds
		// the effective-config fingerprint.
		e.flows[sid] = flow
		e.emit("session.resume", st, nil)
		return st, nil
	}

	if err := e.jail.Mkdir(fsjail.RootWizards, sessionDir(sid), true, true); err != nil {
		return nil, internalErr(err)
	}
	snapshots := []struct {
		name string
		v    any
	}{
		{"effective_model.json", map[string]any{"model_fingerprint": modelFP, "catalog": e.catalog, "flow": flow}},
		{"effective_config.json", flow},
		{"discovery.json", snap},
	}
	for _, s := range snapshots {
		if err := e.jail.WriteJSONAtomic(fsjail.RootWizards, sessionRel(sid, s.name), s.v); err != nil {
			return nil, internalErr(err)
		}
	}
	if err := e.jail.WriteFileAtomic(fsjail.RootWizards, sessionRel(sid, "discovery_fingerprint.txt"), []byte(discoveryFP+"\n")); err != nil {
		return nil, internalErr(err)
	}
	if err := e.jail.WriteFileAtomic(fsjail.RootWizards, sessionRel(sid, "effective_config_fingerprint.txt"), []byte(configFP+"\n")); err != nil {
		return nil, internalErr(err)
	}

	order := flow.Order(e.catalog)
	ts := e.now().UTC().Format(time.RFC3339)
	st := &SessionState{
		SessionID:            sid,
		CreatedAt:            ts,
		UpdatedAt:            ts,
		Phase:                1,
		Mode:                 mode,
		Source:               SourceRef{Root: string(root), RelPath: snap.RelPath},
		CurrentStepID:        order[0],
		CompletedStepIDs:     []string{},
		Answers:              map[string]map[string]any{},
		Inputs:               map[string]map[string]any{},
		Computed:             map[string]any{},
		SelectedAuthorIDs:    []string{},
		SelectedBookIDs:      []string{},
		EffectiveAuthorTitle: map[string]map[string]string{},
		Derived: Derived{
			DiscoveryFingerprint:       discoveryFP,
			EffectiveConfigFingerprint: configFP,
		},
		Status:           StatusInProgress,
		ModelFingerprint: modelFP,
		Errors:           []string{},
	}
	if err := saveSession(e.jail, st, e.now()); err != nil {
		return nil, err
	}
	e.flows[sid] = flow
	e.emit("session.start", st, nil)
	return st, nil
}

// GetState returns the persisted session state.
func (e *Engine) GetState(sid string) (*SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return loadSession(e.jail, sid)
}

// GetStepDefinition returns the step schema with selection items projected
// from the session's discovery snapshot. The persisted snapshots are never
// mutated by this projection.
func (e *Engine) GetStepDefinition(sid, stepID string) (*Step, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := loadSession(e.jail, sid)
	if err != nil {
		return nil, err
	}
	return e.stepDefinition(st, stepID)
}

func (e *Engine) stepDefinition(st *SessionState, stepID string) (*Step, error) {
	step, ok := e.catalog.StepByID(stepID)
	if !ok {
		return nil, notFoundErr("unknown step: " + stepID)
	}
	if stepID != StepSelectAuthors && stepID != StepSelectBooks {
		return &step, nil
	}
	snap, err := e.loadSnapshot(st.SessionID)
	if err != nil {
		return nil, err
	}
	out := step
	out.Fields = append([]Field(nil), step.Fields...)
	for i, f := range out.Fields {
		if f.Type != TypeMultiSelect {
			continue
		}
		if stepID == StepSelectAuthors {
			out.Fields[i].Items = snap.AuthorSelection()
		} else {
			out.Fields[i].Items = snap.BookSelection(st.SelectedAuthorIDs)
		}
	}
	return &out, nil
}

// SubmitStep validates, records, and advances.
func (e *Engine) SubmitStep(sid, stepID string, payload map[string]any) (*SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := loadSession(e.jail, sid)
	if err != nil {
		return nil, err
	}
	if err := e.mutable(st); err != nil {
		return nil, err
	}
	flow, err := e.flowFor(st)
	if err != nil {
		return nil, err
	}
	if !flow.Enabled(stepID) {
		return nil, notFoundErr("step not in flow: " + stepID)
	}
	step, err := e.stepDefinition(st, stepID)
	if err != nil {
		return nil, err
	}
	if step.Computed {
		return nil, validationErr("$.step_id", "invalid_type", "step "+stepID+" is computed-only")
	}

	clean, err := validatePayload(*step, payload)
	if err != nil {
		appendAudit(e.jail, sid, auditEntry{
			Timestamp: e.stamp(), StepID: stepID, Action: "submit", Result: "rejected",
		})
		return nil, err
	}

	if st.Answers == nil {
		st.Answers = map[string]map[string]any{}
	}
	if st.Inputs == nil {
		st.Inputs = map[string]map[string]any{}
	}
	st.Answers[stepID] = clean
	st.Inputs[stepID] = clean
	e.recordStepEffects(st, stepID, clean)
	markCompleted(st, stepID)

	if err := e.advanceFrom(st, stepID, clean); err != nil {
		// Keep the recorded answer and any step reversion visible.
		if saveErr := saveSession(e.jail, st, e.now()); saveErr != nil {
			return nil, saveErr
		}
		return nil, err
	}
	if err := saveSession(e.jail, st, e.now()); err != nil {
		return nil, err
	}
	payloadFP, _ := fingerprintOf(clean)
	appendAudit(e.jail, sid, auditEntry{
		Timestamp: e.stamp(), StepID: stepID, Action: "submit", Result: "accepted", PayloadFP: payloadFP,
	})
	e.emit("step.submit", st, map[string]any{"step_id": stepID})
	return st, nil
}

func (e *Engine) recordStepEffects(st *SessionState, stepID string, clean map[string]any) {
	switch stepID {
	case StepSelectAuthors:
		if ids, ok := clean["selection"].([]string); ok {
			st.SelectedAuthorIDs = ids
		}
	case StepSelectBooks:
		if ids, ok := clean["selection"].([]string); ok {
			st.SelectedBookIDs = ids
		}
	case StepEffectiveAuthorTitle:
		if table, ok := clean["overrides"].(map[string]any); ok {
			for bookID, raw := range table {
				row, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				entry := map[string]string{}
				if v, ok := row["author"].(string); ok {
					entry["author"] = v
				}
				if v, ok := row["title"].(string); ok {
					entry["title"] = v
				}
				st.EffectiveAuthorTitle[bookID] = entry
			}
		}
	case StepConflictPolicy:
		if mode, ok := clean["mode"].(string); ok {
			st.Conflicts.Policy = mode
		}
	}
}

// advanceFrom applies the flow edges after a successful submission.
func (e *Engine) advanceFrom(st *SessionState, stepID string, clean map[string]any) error {
	switch stepID {
	case StepFinalSummaryConfirm:
		confirmed, _ := clean["confirm_start"].(bool)
		if !confirmed {
			st.CurrentStepID = StepFinalSummaryConfirm
			return nil
		}
		policy := st.Conflicts.Policy
		if policy == "ask" {
			plan, err := e.loadPlan(st.SessionID)
			if err != nil {
				return err
			}
			if err := refreshConflicts(e.jail, st, plan, policy); err != nil {
				return err
			}
			if st.Conflicts.Present && !st.Conflicts.Resolved {
				st.CurrentStepID = StepResolveConflicts
				return nil
			}
		} else if policy != "" {
			plan, err := e.loadPlan(st.SessionID)
			if err != nil {
				return err
			}
			if err := refreshConflicts(e.jail, st, plan, policy); err != nil {
				return err
			}
		}
		st.CurrentStepID = StepProcessing
		return nil
	case StepResolveConflicts:
		confirmed, _ := clean["confirm"].(bool)
		if st.Conflicts.Policy != "ask" || confirmed {
			st.Conflicts.Resolved = true
			if st.Conflicts.Policy == "ask" {
				if err := e.jail.WriteJSONAtomic(fsjail.RootWizards,
					sessionRel(st.SessionID, "conflicts_resolution.json"),
					map[string]any{"resolved": true, "fingerprint": st.Conflicts.Fingerprint, "seq": st.Conflicts.Seq},
				); err != nil {
					return internalErr(err)
				}
			}
		}
		st.CurrentStepID = StepFinalSummaryConfirm
		return nil
	default:
		return e.advanceLinear(st, stepID)
	}
}

func (e *Engine) advanceLinear(st *SessionState, stepID string) error {
	flow, err := e.flowFor(st)
	if err != nil {
		return err
	}
	order := flow.Order(e.catalog)
	idx := indexOf(order, stepID)
	if idx < 0 || idx+1 >= len(order) {
		return nil
	}
	next := order[idx+1]
	if next == StepPlanPreviewBatch {
		// Computed step: the plan is built immediately and the flow moves on.
		if err := e.computePlanLocked(st); err != nil {
			return err
		}
		if idx+2 < len(order) {
			next = order[idx+2]
		} else {
			next = StepPlanPreviewBatch
		}
	}
	st.CurrentStepID = next
	return nil
}

// ApplyAction handles linear navigation: next, back, cancel.
func (e *Engine) ApplyAction(sid, action string) (*SessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := loadSession(e.jail, sid)
	if err != nil {
		return nil, err
	}
	if err := e.mutable(st); err != nil {
		return nil, err
	}
	switch action {
	case "cancel":
		st.Status = StatusAborted
		if err := saveSession(e.jail, st, e.now()); err != nil {
			return nil, err
		}
		appendAudit(e.jail, sid, auditEntry{Timestamp: e.stamp(), Action: "cancel", Result: "accepted"})
		return st, nil
	case "next":
		if err := e.advanceLinear(st, st.CurrentStepID); err != nil {
			// A failed plan compute reverts the step; keep that visible.
			if saveErr := saveSession(e.jail, st, e.now()); saveErr != nil {
				return nil, saveErr
			}
			return nil, err
		}
	case "back":
		flow, err := e.flowFor(st)
		if err != nil {
			return nil, err
		}
		order := flow.Order(e.catalog)
		idx := indexOf(order, st.CurrentStepID)
		if idx > 0 {
			prev := order[idx-1]
			if prev == StepPlanPreviewBatch && idx >= 2 {
				prev = order[idx-2]
			}
			st.CurrentStepID = prev
		}
	default:
		return nil, validationErr("$.action", "out_of_range", "action must be next, back, or cancel")
	}
	if err := saveSession(e.jail, st, e.now()); err != nil {
		return nil, err
	}
	return st, nil
}

// PreviewAction writes an isolated preview artifact without touching the
// session.
func (e *Engine) PreviewAction(sid, stepID string, payload map[string]any) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := loadSession(e.jail, sid); err != nil {
		return nil, err
	}
	fp, err := fingerprintOf(map[string]any{"session_id": sid, "step_id": stepID, "payload": payload})
	if err != nil {
		return nil, internalErr(err)
	}
	rel := fsjail.Join("import", "previews", fp+".json")
	doc := map[string]any{"session_id": sid, "step_id": stepID, "payload": payload}
	if err := e.jail.WriteJSONAtomic(fsjail.RootWizards, rel, doc); err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"preview_id": fp, "path": "wizards:" + rel}, nil
}

// ComputePlan builds and persists plan.json for the session's current
// selection. A selection that no longer resolves reverts the current step
// to select_books.
func (e *Engine) ComputePlan(sid string) (*Plan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := loadSession(e.jail, sid)
	if err != nil {
		return nil, err
	}
	if err := e.computePlanLocked(st); err != nil {
		if saveErr := saveSession(e.jail, st, e.now()); saveErr != nil {
			return nil, saveErr
		}
		return nil, err
	}
	if err := saveSession(e.jail, st, e.now()); err != nil {
		return nil, err
	}
	return e.loadPlan(sid)
}

func (e *Engine) computePlanLocked(st *SessionState) error {
	snap, err := e.loadSnapshot(st.SessionID)
	if err != nil {
		return err
	}
	plan, err := buildPlan(st, snap)
	if err != nil {
		st.CurrentStepID = StepSelectBooks
		return err
	}
	if err := e.jail.WriteJSONAtomic(fsjail.RootWizards, sessionRel(st.SessionID, "plan.json"), plan); err != nil {
		return internalErr(err)
	}
	st.Computed["plan_summary"] = plan.Summary
	e.emit("plan.compute", st, map[string]any{"batch_size": plan.Summary.BatchSize})
	return nil
}

// StartProcessing performs the single Phase-2 entry. The precondition
// chain is ordered; after phase 2 the call is idempotent and returns the
// same job ids.
func (e *Engine) StartProcessing(sid string, body map[string]any) (*StartResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := loadSession(e.jail, sid)
	if err != nil {
		return nil, err
	}
	e.emit("finalize.request", st, nil)

	if st.Phase == 2 {
		return e.loadStartResult(sid)
	}
	if st.Status != StatusInProgress {
		return nil, invariantErr("session_not_in_progress", "session is "+st.Status)
	}
	// Only {confirm: bool} is recognized; unknown keys are ignored.
	if confirmed, _ := body["confirm"].(bool); !confirmed {
		return nil, validationErr("$.confirm", "missing_required", "start_processing requires confirm:true")
	}
	answers := st.Answers[StepFinalSummaryConfirm]
	if confirmed, _ := answers["confirm_start"].(bool); !confirmed {
		return nil, validationErr("$.final_summary_confirm.confirm_start", "missing_required",
			"final summary was not confirmed")
	}

	plan, err := e.loadPlan(sid)
	if err != nil {
		return nil, err
	}
	policy := st.Conflicts.Policy
	previewFP := st.Conflicts.Fingerprint
	hadScan := st.Conflicts.Seq > 0
	if err := refreshConflicts(e.jail, st, plan, policy); err != nil {
		return nil, err
	}
	if policy == "ask" {
		if st.Conflicts.Present && !st.Conflicts.Resolved {
			return nil, conflictsErr("conflicts present and unresolved")
		}
	} else if hadScan && previewFP != st.Conflicts.Fingerprint {
		return nil, invariantErr("conflicts_changed", "conflicts drifted between preview and commit")
	}

	frozen, err := e.jail.Exists(fsjail.RootWizards, sessionRel(sid, "job_requests.json"))
	if err != nil {
		return nil, internalErr(err)
	}
	if frozen {
		// A previous entry wrote the document but crashed before flipping
		// the phase; finish idempotently.
		return e.loadStartResult(sid)
	}

	doc, err := e.buildRequests(st, plan)
	if err != nil {
		return nil, err
	}
	docBytes, err := requests.Finalize(doc)
	if err != nil {
		return nil, internalErr(err)
	}
	if err := e.jail.WriteFileAtomic(fsjail.RootWizards, sessionRel(sid, "job_requests.json"), docBytes); err != nil {
		return nil, internalErr(err)
	}

	runID := "run-" + sid
	jobIDs := make([]string, 0, len(plan.Books))
	for _, b := range plan.Books {
		decision := decisionFor(st, b)
		decisionJSON, err := json.Marshal(decision)
		if err != nil {
			return nil, internalErr(err)
		}
		key := canon.FingerprintBytes([]byte(doc.IdempotencyKey + "|" + b.BookID))
		rec, _, err := e.jobs.GetOrCreateIdempotent(sid, key, jobs.TypeProcess, jobs.Meta{
			Source:          "import",
			SessionID:       sid,
			JobRequestsPath: "wizards:" + sessionRel(sid, "job_requests.json"),
			RunID:           runID,
			BookRelPath:     b.SourceRelPath,
			Mode:            st.Mode,
			UnitType:        b.UnitType,
			DecisionJSON:    string(decisionJSON),
		})
		if err != nil {
			return nil, internalErr(err)
		}
		jobIDs = append(jobIDs, rec.JobID)
	}
	sort.Strings(jobIDs)

	parallelism := 0
	if a, ok := st.Answers[StepParallelism]; ok {
		if n, ok := asFloat(a["n"]); ok {
			parallelism = int(n)
		}
	}
	if err := queue.SaveRunState(e.jail, &queue.RunState{
		RunID:     runID,
		SessionID: sid,
		Mode:      st.Mode,
		CreatedAt: e.stamp(),
		JobIDs:    jobIDs,
		Workers:   queue.ClampWorkers(parallelism, st.Mode),
	}); err != nil {
		return nil, internalErr(err)
	}
	result := &StartResult{JobIDs: jobIDs, BatchSize: len(plan.Books)}
	if err := e.jail.WriteJSONAtomic(fsjail.RootWizards, sessionRel(sid, "action_jobs.json"), result); err != nil {
		return nil, internalErr(err)
	}

	st.Phase = 2
	st.Status = StatusProcessing
	st.CurrentStepID = StepProcessing
	if err := saveSession(e.jail, st, e.now()); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) buildRequests(st *SessionState, plan *Plan) (*requests.Document, error) {
	targetRoot := string(fsjail.RootOutbox)
	if st.Mode == "stage" {
		targetRoot = string(fsjail.RootStage)
	}
	summary, err := toPlainMap(plan.Summary)
	if err != nil {
		return nil, internalErr(err)
	}
	doc := &requests.Document{
		JobType:           requests.JobType,
		JobVersion:        requests.JobVersion,
		SessionID:         st.SessionID,
		Mode:              st.Mode,
		ConfigFingerprint: st.Derived.EffectiveConfigFingerprint,
		Actions: []requests.Action{{
			Type:        "import.batch",
			Source:      requests.SourceRef{Root: st.Source.Root, RelativePath: st.Source.RelPath},
			Target:      requests.TargetRef{Root: targetRoot},
			PlanSummary: summary,
		}},
		DiagnosticsContext: map[string]string{
			"model_fp":            st.ModelFingerprint,
			"discovery_fp":        st.Derived.DiscoveryFingerprint,
			"effective_config_fp": st.Derived.EffectiveConfigFingerprint,
			"conflict_fp":         st.Derived.ConflictFingerprint,
		},
	}
	for _, b := range plan.Books {
		decision := decisionFor(st, b)
		doc.Actions = append(doc.Actions, requests.Action{
			Type:     "import.book",
			Source:   requests.SourceRef{Root: b.SourceRoot, RelativePath: b.SourceRelPath},
			Target:   requests.TargetRef{Root: b.TargetRoot},
			BookID:   b.BookID,
			UnitType: b.UnitType,
			Decision: &decision,
		})
	}
	return doc, nil
}

// decisionFor freezes the per-book import decision, carrying the policy
// answers the runner needs.
func decisionFor(st *SessionState, b PlanBook) requests.BookDecision {
	options := map[string]any{}
	for _, stepID := range []string{StepAudioProcessing, StepDeleteSourcePolicy, StepFilenamePolicy, StepCoversPolicy, StepID3Policy} {
		if a, ok := st.Answers[stepID]; ok && len(a) > 0 {
			options[stepID] = a
		}
	}
	return requests.BookDecision{
		BookRelPath:  b.SourceRelPath,
		UnitType:     b.UnitType,
		Author:       b.Author,
		Title:        b.Title,
		HandlingMode: st.Mode,
		Options:      options,
	}
}

func (e *Engine) loadStartResult(sid string) (*StartResult, error) {
	var result StartResult
	if err := e.jail.ReadJSON(fsjail.RootWizards, sessionRel(sid, "action_jobs.json"), &result); err != nil {
		return nil, internalErr(err)
	}
	return &result, nil
}

func (e *Engine) loadSnapshot(sid string) (*discovery.Snapshot, error) {
	var snap discovery.Snapshot
	if err := e.jail.ReadJSON(fsjail.RootWizards, sessionRel(sid, "discovery.json"), &snap); err != nil {
		return nil, internalErr(err)
	}
	return &snap, nil
}

func (e *Engine) loadPlan(sid string) (*Plan, error) {
	var plan Plan
	err := e.jail.ReadJSON(fsjail.RootWizards, sessionRel(sid, "plan.json"), &plan)
	if err != nil {
		if fsjail.IsKind(err, fsjail.KindNotFound) {
			return nil, invariantErr("missing_snapshot", "plan has not been computed")
		}
		return nil, internalErr(err)
	}
	return &plan, nil
}

// flowFor returns the session's frozen flow, reading the
// effective_config.json snapshot on first use. Overrides applied at
// create_session stay binding for the session's whole life, across
// processes.
func (e *Engine) flowFor(st *SessionState) (*FlowConfig, error) {
	if f, ok := e.flows[st.SessionID]; ok {
		return f, nil
	}
	var f FlowConfig
	if err := e.jail.ReadJSON(fsjail.RootWizards, sessionRel(st.SessionID, "effective_config.json"), &f); err != nil {
		return nil, internalErr(err)
	}
	e.flows[st.SessionID] = &f
	return &f, nil
}

func (e *Engine) mutable(st *SessionState) error {
	if st.Phase == 2 {
		return invariantErr("phase_locked", "session has entered phase 2")
	}
	if st.Status != StatusInProgress {
		return invariantErr("session_not_in_progress", "session is "+st.Status)
	}
	return nil
}

func (e *Engine) emit(event string, st *SessionState, extra map[string]any) {
	if e.bus == nil {
		return
	}
	data := map[string]any{
		"session_id":                   st.SessionID,
		"model_fingerprint":            st.ModelFingerprint,
		"discovery_fingerprint":        st.Derived.DiscoveryFingerprint,
		"effective_config_fingerprint": st.Derived.EffectiveConfigFingerprint,
	}
	if st.Derived.ConflictFingerprint != "" {
		data["conflict_fingerprint"] = st.Derived.ConflictFingerprint
	}
	for k, v := range extra {
		data[k] = v
	}
	e.bus.Publish(event, "wizard", "", data)
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func markCompleted(st *SessionState, stepID string) {
	for _, id := range st.CompletedStepIDs {
		if id == stepID {
			return
		}
	}
	st.CompletedStepIDs = append(st.CompletedStepIDs, stepID)
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// fingerprintOf canonicalizes any JSON-marshalable value and hashes it.
func fingerprintOf(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	b, err := canon.CanonicalizeJSON(raw)
	if err != nil {
		return "", err
	}
	return canon.FingerprintBytes(b), nil
}

func toPlainMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
