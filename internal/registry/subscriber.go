package registry

import (
	"strings"

	"github.com/bookwright/bookwright/internal/diag"
	"github.com/bookwright/bookwright/internal/fsjail"
	"github.com/bookwright/bookwright/internal/requests"
)

// AttachSubscriber wires registry admission to the bus: when an
// import-sourced process job ends succeeded, the referenced
// job_requests.json is re-read through the jail and the valid import.book
// actions owned by that job are admitted to the registry. Running this
// after the terminal transition keeps the invariant that membership is
// written only for SUCCEEDED jobs.
func AttachSubscriber(bus *diag.Bus, jail *fsjail.Jail, processed *Processed) {
	bus.Subscribe("diag.job.end", func(e diag.Envelope) {
		if str(e.Data["status"]) != "succeeded" {
			return
		}
		if str(e.Data["job_type"]) != "process" {
			return
		}
		if str(e.Data["meta_source"]) != "import" {
			return
		}
		root, rel, ok := splitRootRel(str(e.Data["job_requests_path"]))
		if !ok {
			return
		}
		b, err := jail.ReadFile(root, rel)
		if err != nil {
			return
		}
		doc, err := requests.Decode(b)
		if err != nil {
			return
		}
		// A job that owns a single unit only vouches for that unit;
		// sibling books in the same document may still be pending or
		// cancelled.
		ownRel := str(e.Data["book_rel_path"])
		for _, action := range doc.Actions {
			if action.Type != "import.book" {
				continue
			}
			if ownRel != "" && action.Source.RelativePath != ownRel {
				continue
			}
			if !bookActionValid(action) {
				continue
			}
			srcRoot, err := fsjail.ParseRoot(action.Source.Root)
			if err != nil {
				continue
			}
			key, err := BookIdentityKey(srcRoot, action.Source.RelativePath, action.UnitType)
			if err != nil {
				continue
			}
			_ = processed.Mark(key)
		}
	})
}

func bookActionValid(a requests.Action) bool {
	if a.BookID == "" || a.Source.Root == "" || a.Source.RelativePath == "" {
		return false
	}
	if a.Target.Root == "" {
		return false
	}
	switch a.UnitType {
	case "dir", "file":
		return true
	default:
		return false
	}
}

// splitRootRel parses "<root>:<rel>".
func splitRootRel(s string) (fsjail.Root, string, bool) {
	rootName, rel, ok := strings.Cut(s, ":")
	if !ok || rel == "" {
		return "", "", false
	}
	root, err := fsjail.ParseRoot(rootName)
	if err != nil {
		return "", "", false
	}
	return root, rel, true
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
