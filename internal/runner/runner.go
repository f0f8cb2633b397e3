// Package runner executes one import job: it resolves the job's book
// action from the frozen job_requests document, short-circuits on the
// processed registry, copies or targets the unit per the session mode,
// optionally re-encodes mp3 audio through an external codec, and applies
// the guarded delete-source policy.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"
	"path"
	"strings"

	"github.com/bookwright/bookwright/internal/diag"
	"github.com/bookwright/bookwright/internal/fsjail"
	"github.com/bookwright/bookwright/internal/jobs"
	"github.com/bookwright/bookwright/internal/queue"
	"github.com/bookwright/bookwright/internal/registry"
	"github.com/bookwright/bookwright/internal/requests"
)

// CodecSpec is the external re-encode command. Placeholders {input},
// {output}, {bitrate_mode}, and {bitrate_kbps} are substituted per file.
type CodecSpec struct {
	Command []string `json:"command" yaml:"command"`
}

// DefaultCodec re-encodes with ffmpeg at a constant bitrate.
func DefaultCodec() CodecSpec {
	return CodecSpec{Command: []string{
		"ffmpeg", "-y", "-i", "{input}", "-codec:a", "libmp3lame", "-b:a", "{bitrate_kbps}k", "{output}",
	}}
}

var audioExts = map[string]bool{
	".mp3": true, ".m4a": true, ".m4b": true, ".flac": true,
	".wav": true, ".ogg": true, ".opus": true,
}

// Runner implements queue.Executor for import process jobs.
type Runner struct {
	Jail     *fsjail.Jail
	Bus      *diag.Bus
	Jobs     *jobs.Service
	Registry *registry.Processed
	Codec    CodecSpec

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, argv []string) error
}

func New(jail *fsjail.Jail, bus *diag.Bus, jobsvc *jobs.Service, reg *registry.Processed, codec CodecSpec) *Runner {
	if len(codec.Command) == 0 {
		codec = DefaultCodec()
	}
	return &Runner{
		Jail:     jail,
		Bus:      bus,
		Jobs:     jobsvc,
		Registry: reg,
		Codec:    codec,
		runCommand: func(ctx context.Context, argv []string) error {
			cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
			out, err := cmd.CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s: %v: %s", argv[0], err, strings.TrimSpace(string(out)))
			}
			return nil
		},
	}
}

// Execute runs one job to completion. The pool maps the return value onto
// the job's terminal state.
func (r *Runner) Execute(ctx context.Context, rec *jobs.Record) error {
	action, err := r.resolveAction(rec)
	if err != nil {
		return err
	}
	srcRoot, err := fsjail.ParseRoot(action.Source.Root)
	if err != nil {
		return fmt.Errorf("INVALID_ARGUMENT: %v", err)
	}
	unitType := rec.Meta.UnitType
	if unitType == "" {
		st, err := r.Jail.Stat(srcRoot, action.Source.RelativePath)
		if err != nil {
			return fmt.Errorf("NOT_FOUND: %v", err)
		}
		unitType = "file"
		if st.IsDir {
			unitType = "dir"
		}
	}

	key, err := registry.BookIdentityKey(srcRoot, action.Source.RelativePath, unitType)
	if err != nil {
		return fmt.Errorf("INVALID_ARGUMENT: %v", err)
	}
	done, err := r.Registry.IsProcessed(key)
	if err != nil {
		return fmt.Errorf("INTERNAL: %v", err)
	}
	if done {
		r.log(rec.JobID, "already processed: "+key)
		_ = r.Jobs.SetProgress(rec.JobID, 1)
		return nil
	}

	guardBefore := ""
	opts := decodeOptions(action)
	if opts.deleteSource && opts.guardEnabled {
		guardBefore, err = r.unitContentFingerprint(srcRoot, action.Source.RelativePath, unitType)
		if err != nil {
			return fmt.Errorf("NOT_FOUND: %v", err)
		}
	}

	if err := r.boundary(ctx, rec, "copy"); err != nil {
		return err
	}
	targetRoot, targetRel, err := r.placeUnit(rec, action, srcRoot, unitType)
	if err != nil {
		return err
	}
	_ = r.Jobs.SetProgress(rec.JobID, 0.5)

	if opts.audioEnabled && opts.audioConfirmed {
		if err := r.processAudio(ctx, rec, targetRoot, targetRel, unitType, opts); err != nil {
			return err
		}
	}
	_ = r.Jobs.SetProgress(rec.JobID, 0.9)

	if opts.deleteSource && rec.Meta.Mode == "stage" {
		if err := r.deleteSource(ctx, rec, srcRoot, action.Source.RelativePath, unitType, opts, guardBefore); err != nil {
			return err
		}
	}
	_ = r.Jobs.SetProgress(rec.JobID, 1)
	return nil
}

// resolveAction finds the job's own import.book action in the frozen
// document.
func (r *Runner) resolveAction(rec *jobs.Record) (*requests.Action, error) {
	rootName, rel, ok := strings.Cut(rec.Meta.JobRequestsPath, ":")
	if !ok {
		return nil, fmt.Errorf("INVALID_ARGUMENT: malformed job_requests_path %q", rec.Meta.JobRequestsPath)
	}
	root, err := fsjail.ParseRoot(rootName)
	if err != nil {
		return nil, fmt.Errorf("INVALID_ARGUMENT: %v", err)
	}
	b, err := r.Jail.ReadFile(root, rel)
	if err != nil {
		return nil, fmt.Errorf("NOT_FOUND: %v", err)
	}
	doc, err := requests.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("INVALID_ARGUMENT: %v", err)
	}
	for i := range doc.Actions {
		a := &doc.Actions[i]
		if a.Type == "import.book" && a.Source.RelativePath == rec.Meta.BookRelPath {
			return a, nil
		}
	}
	return nil, fmt.Errorf("NOT_FOUND: no book action for %q", rec.Meta.BookRelPath)
}

// placeUnit materializes the unit at its target and returns where audio
// processing should operate.
func (r *Runner) placeUnit(rec *jobs.Record, action *requests.Action, srcRoot fsjail.Root, unitType string) (fsjail.Root, string, error) {
	if rec.Meta.Mode == "inplace" {
		// The target points at the source directly; nothing is copied.
		return srcRoot, action.Source.RelativePath, nil
	}
	srcRel := action.Source.RelativePath
	var dstRel string
	if unitType == "dir" {
		dstRel = fsjail.Join("import", "stage", rec.JobID, srcRel)
		if err := r.Jail.CopyTree(srcRoot, srcRel, fsjail.RootStage, dstRel); err != nil {
			return "", "", fmt.Errorf("EXECUTION_FAILED: %v", err)
		}
	} else {
		name := path.Base(srcRel)
		dstRel = fsjail.Join("import", "stage", rec.JobID, fileStem(name), name)
		if err := r.Jail.CopyAcross(srcRoot, srcRel, fsjail.RootStage, dstRel); err != nil {
			return "", "", fmt.Errorf("EXECUTION_FAILED: %v", err)
		}
	}
	r.log(rec.JobID, "staged "+srcRel+" -> stage:"+dstRel)
	return fsjail.RootStage, dstRel, nil
}

// processAudio re-encodes every .mp3 under the target. Other audio
// formats are skipped with a diagnostic and a job warning.
func (r *Runner) processAudio(ctx context.Context, rec *jobs.Record, root fsjail.Root, rel, unitType string, opts actionOptions) error {
	var files []string
	if unitType == "file" {
		files = []string{rel}
	} else {
		entries, err := r.Jail.List(root, rel, true)
		if err != nil {
			return fmt.Errorf("EXECUTION_FAILED: %v", err)
		}
		for _, e := range entries {
			if !e.IsDir && audioExts[strings.ToLower(path.Ext(e.RelPath))] {
				files = append(files, e.RelPath)
			}
		}
	}
	r.cleanStaleTemps(root, files)
	for _, f := range files {
		if err := r.boundary(ctx, rec, "audio"); err != nil {
			return err
		}
		if strings.ToLower(path.Ext(f)) != ".mp3" {
			r.emit("operation.end", rec, map[string]any{"op": "audio_skip", "rel_path": f})
			_ = r.Jobs.AddWarning(rec.JobID, "audio skipped (not mp3): "+f)
			continue
		}
		if err := r.reencode(ctx, root, f, opts); err != nil {
			return fmt.Errorf("EXECUTION_FAILED: %v", err)
		}
		r.log(rec.JobID, "re-encoded "+f)
	}
	return nil
}

// reencode runs the codec into a hash-suffixed temp sibling and replaces
// the original atomically.
func (r *Runner) reencode(ctx context.Context, root fsjail.Root, rel string, opts actionOptions) error {
	abs, err := r.Jail.Resolve(root, rel)
	if err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(rel))
	tmpRel := rel + "." + hex.EncodeToString(sum[:])[:8] + ".tmp"
	tmpAbs, err := r.Jail.Resolve(root, tmpRel)
	if err != nil {
		return err
	}
	argv := make([]string, len(r.Codec.Command))
	for i, a := range r.Codec.Command {
		a = strings.ReplaceAll(a, "{input}", abs)
		a = strings.ReplaceAll(a, "{output}", tmpAbs)
		a = strings.ReplaceAll(a, "{bitrate_mode}", opts.bitrateMode)
		a = strings.ReplaceAll(a, "{bitrate_kbps}", fmt.Sprintf("%d", opts.bitrateKbps))
		argv[i] = a
	}
	if err := r.runCommand(ctx, argv); err != nil {
		_ = r.Jail.DeleteFile(root, tmpRel)
		return err
	}
	return r.Jail.Rename(root, tmpRel, rel, true)
}

// cleanStaleTemps removes leftover temp files from a prior failed run of
// the same unit.
func (r *Runner) cleanStaleTemps(root fsjail.Root, files []string) {
	dirs := map[string]bool{}
	for _, f := range files {
		dirs[path.Dir(f)] = true
	}
	for dir := range dirs {
		entries, err := r.Jail.List(root, dir, false)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir && strings.HasSuffix(e.RelPath, ".tmp") {
				_ = r.Jail.DeleteFile(root, e.RelPath)
			}
		}
	}
}

// deleteSource removes the staged-away source, guarded by a content
// fingerprint comparison unless the guard is explicitly disabled.
func (r *Runner) deleteSource(ctx context.Context, rec *jobs.Record, root fsjail.Root, rel, unitType string, opts actionOptions, guardBefore string) error {
	if err := r.boundary(ctx, rec, "delete_source"); err != nil {
		return err
	}
	if opts.guardEnabled {
		after, err := r.unitContentFingerprint(root, rel, unitType)
		if err != nil {
			return fmt.Errorf("NOT_FOUND: %v", err)
		}
		if after != guardBefore {
			r.log(rec.JobID, "delete_source_guard_mismatch: source changed, keeping "+rel)
			r.emit("operation.end", rec, map[string]any{"op": "delete_source_guard_mismatch", "rel_path": rel})
			return nil
		}
	}
	if unitType == "dir" {
		if err := r.Jail.Rmtree(root, rel); err != nil {
			return fmt.Errorf("EXECUTION_FAILED: %v", err)
		}
	} else {
		if err := r.Jail.DeleteFile(root, rel); err != nil {
			return fmt.Errorf("EXECUTION_FAILED: %v", err)
		}
	}
	r.log(rec.JobID, "deleted source "+rel)
	return nil
}

// unitContentFingerprint hashes the unit's file metadata. Used only by the
// delete-source guard, so it always re-reads the filesystem.
func (r *Runner) unitContentFingerprint(root fsjail.Root, rel, unitType string) (string, error) {
	h := sha256.New()
	if unitType == "file" {
		st, err := r.Jail.Stat(root, rel)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s|%d|%d", st.RelPath, st.Size, st.MTime.UnixMicro())
		return hex.EncodeToString(h.Sum(nil)), nil
	}
	entries, err := r.Jail.List(root, rel, true)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		fmt.Fprintf(h, "%s|%v|%d|%d\n", e.RelPath, e.IsDir, e.Size, e.MTime.UnixMicro())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// boundary is one level-triggered cancellation checkpoint.
func (r *Runner) boundary(ctx context.Context, rec *jobs.Record, name string) error {
	r.emit("boundary.start", rec, map[string]any{"boundary": name})
	defer r.emit("boundary.end", rec, map[string]any{"boundary": name})
	if err := ctx.Err(); err != nil {
		return queue.ErrCancelled
	}
	if r.Jobs.CancelRequested(rec.JobID) {
		return queue.ErrCancelled
	}
	return nil
}

func (r *Runner) log(jobID, line string) {
	_ = r.Jobs.AppendLog(jobID, line)
}

func (r *Runner) emit(event string, rec *jobs.Record, extra map[string]any) {
	if r.Bus == nil {
		return
	}
	data := map[string]any{
		"job_id":     rec.JobID,
		"session_id": rec.Meta.SessionID,
	}
	for k, v := range extra {
		data[k] = v
	}
	r.Bus.Publish(event, "runner", "", data)
}

// actionOptions are the policy answers frozen into the book decision.
type actionOptions struct {
	audioEnabled   bool
	audioConfirmed bool
	bitrateMode    string
	bitrateKbps    int
	deleteSource   bool
	guardEnabled   bool
}

func decodeOptions(action *requests.Action) actionOptions {
	opts := actionOptions{bitrateMode: "cbr", bitrateKbps: 128, guardEnabled: true}
	if action.Decision == nil {
		return opts
	}
	if audio, ok := asMap(action.Decision.Options["audio_processing"]); ok {
		opts.audioEnabled, _ = audio["enabled"].(bool)
		opts.audioConfirmed, _ = audio["confirmed"].(bool)
		if m, ok := audio["bitrate_mode"].(string); ok && m != "" {
			opts.bitrateMode = m
		}
		if n, ok := asInt(audio["bitrate_kbps"]); ok && n > 0 {
			opts.bitrateKbps = n
		}
	}
	if ds, ok := asMap(action.Decision.Options["delete_source_policy"]); ok {
		opts.deleteSource, _ = ds["enabled"].(bool)
		if g, ok := ds["guard_enabled"].(bool); ok {
			opts.guardEnabled = g
		}
	}
	return opts
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

func fileStem(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}
