package wizard

import (
	"sort"

	"github.com/bookwright/bookwright/internal/canon"
	"github.com/bookwright/bookwright/internal/discovery"
	"github.com/bookwright/bookwright/internal/fsjail"
)

// PlanBook is one planned import unit.
type PlanBook struct {
	BookID        string `json:"book_id"`
	Label         string `json:"label"`
	SourceRoot    string `json:"source_root"`
	SourceRelPath string `json:"source_rel_path"`
	UnitType      string `json:"unit_type"`
	TargetRoot    string `json:"target_root"`
	TargetRelPath string `json:"target_rel_path"`
	Author        string `json:"author"`
	Title         string `json:"title"`
}

// PlanSummary is the batch-level rollup.
type PlanSummary struct {
	SelectedBooks []string `json:"selected_books"`
	BatchSize     int      `json:"batch_size"`
	Mode          string   `json:"mode"`
}

// Plan is the computed batch plan, persisted as plan.json. Ordering is
// total by (label, book_id).
type Plan struct {
	SessionID string      `json:"session_id"`
	Books     []PlanBook  `json:"books"`
	Summary   PlanSummary `json:"summary"`
}

// buildPlan projects the session's selected books against the discovery
// snapshot. A selected id that no longer resolves fails with unknown_id;
// the caller reverts the current step to select_books on that failure.
func buildPlan(st *SessionState, snap *discovery.Snapshot) (*Plan, error) {
	plan := &Plan{SessionID: st.SessionID}
	for _, id := range st.SelectedBookIDs {
		book, ok := snap.BookByID(id)
		if !ok {
			return nil, validationErr("$.selected_book_ids", "unknown_id", "selected book not found in discovery: "+id)
		}
		label := book.BookKey
		if book.AuthorKey != "" {
			label = book.AuthorKey + "/" + book.BookKey
		}
		author, title := effectiveAuthorTitle(st, id, book)
		targetRoot, targetRel := planTarget(st.Mode, book)
		plan.Books = append(plan.Books, PlanBook{
			BookID:        id,
			Label:         canon.ASCIICoerce(label),
			SourceRoot:    snap.Root,
			SourceRelPath: book.RelPath,
			UnitType:      book.UnitType,
			TargetRoot:    targetRoot,
			TargetRelPath: targetRel,
			Author:        author,
			Title:         title,
		})
	}
	sort.Slice(plan.Books, func(i, j int) bool {
		if plan.Books[i].Label != plan.Books[j].Label {
			return plan.Books[i].Label < plan.Books[j].Label
		}
		return plan.Books[i].BookID < plan.Books[j].BookID
	})
	selected := make([]string, len(plan.Books))
	for i, b := range plan.Books {
		selected[i] = b.Label
	}
	plan.Summary = PlanSummary{SelectedBooks: selected, BatchSize: len(plan.Books), Mode: st.Mode}
	return plan, nil
}

// planTarget resolves the plan-time destination. Stage mode lands under
// the stage import area (the runner nests the final copy under its job
// id); inplace mode publishes straight to the outbox.
func planTarget(mode string, book discovery.Book) (string, string) {
	if mode == "inplace" {
		return string(fsjail.RootOutbox), book.RelPath
	}
	return string(fsjail.RootStage), fsjail.Join("import", "stage", book.RelPath)
}

func effectiveAuthorTitle(st *SessionState, bookID string, book discovery.Book) (string, string) {
	author := canon.ASCIICoerce(book.AuthorKey)
	title := canon.ASCIICoerce(book.BookKey)
	if ov, ok := st.EffectiveAuthorTitle[bookID]; ok {
		if v := ov["author"]; v != "" {
			author = canon.ASCIICoerce(v)
		}
		if v := ov["title"]; v != "" {
			title = canon.ASCIICoerce(v)
		}
	}
	return author, title
}
