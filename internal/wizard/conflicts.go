package wizard

import (
	"sort"

	"github.com/bookwright/bookwright/internal/canon"
	"github.com/bookwright/bookwright/internal/fsjail"
)

// scanConflicts checks every planned target path for existence and returns
// the sorted collision list with its fingerprint. The fingerprint covers
// the sorted (root, rel_path) pairs only, so two scans of the same world
// agree regardless of scan order.
func scanConflicts(jail *fsjail.Jail, plan *Plan) ([]ConflictItem, string, error) {
	var items []ConflictItem
	for _, b := range plan.Books {
		root, err := fsjail.ParseRoot(b.TargetRoot)
		if err != nil {
			return nil, "", internalErr(err)
		}
		exists, err := jail.Exists(root, b.TargetRelPath)
		if err != nil {
			return nil, "", internalErr(err)
		}
		if exists {
			items = append(items, ConflictItem{Root: b.TargetRoot, RelPath: b.TargetRelPath})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Root != items[j].Root {
			return items[i].Root < items[j].Root
		}
		return items[i].RelPath < items[j].RelPath
	})
	pairs := make([]any, len(items))
	for i, it := range items {
		pairs[i] = []any{it.Root, it.RelPath}
	}
	fp, err := canon.Fingerprint(pairs)
	if err != nil {
		return nil, "", internalErr(err)
	}
	return items, fp, nil
}

// refreshConflicts runs a scan and folds the result into session state.
// For policy "ask", a scan counts as resolved only when the previous scan
// was resolved and its fingerprint matches the new one (no drift). Other
// policies are always resolved.
func refreshConflicts(jail *fsjail.Jail, st *SessionState, plan *Plan, policy string) error {
	items, fp, err := scanConflicts(jail, plan)
	if err != nil {
		return err
	}
	prev := st.Conflicts
	resolved := true
	if policy == "ask" && len(items) > 0 {
		resolved = prev.Resolved && prev.Fingerprint == fp
	}
	st.Conflicts = ConflictState{
		Present:     len(items) > 0,
		Items:       items,
		Resolved:    resolved,
		Policy:      policy,
		Fingerprint: fp,
		Seq:         prev.Seq + 1,
	}
	st.Derived.ConflictFingerprint = fp
	if err := jail.WriteJSONAtomic(fsjail.RootWizards, sessionRel(st.SessionID, "conflicts.json"), st.Conflicts); err != nil {
		return internalErr(err)
	}
	return nil
}
