package requests

import (
	"bytes"
	"testing"
)

func sampleDoc() *Document {
	return &Document{
		JobType:           JobType,
		JobVersion:        JobVersion,
		SessionID:         "a1b2c3d4e5f60718",
		Mode:              "stage",
		ConfigFingerprint: "cfgfp",
		Actions: []Action{
			{
				Type:        "import.batch",
				Source:      SourceRef{Root: "inbox", RelativePath: "."},
				Target:      TargetRef{Root: "stage"},
				PlanSummary: map[string]any{"selected_books": 1},
			},
			{
				Type:     "import.book",
				Source:   SourceRef{Root: "inbox", RelativePath: "Author/Book"},
				Target:   TargetRef{Root: "stage"},
				BookID:   "book:0011223344556677",
				UnitType: "dir",
				Decision: &BookDecision{
					BookRelPath:  "Author/Book",
					UnitType:     "dir",
					Author:       "Author",
					Title:        "Book",
					HandlingMode: "stage",
				},
			},
		},
		DiagnosticsContext: map[string]string{"session_id": "a1b2c3d4e5f60718"},
	}
}

func TestFinalizeStampsStableKey(t *testing.T) {
	a := sampleDoc()
	b := sampleDoc()
	ba, err := Finalize(a)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	bb, err := Finalize(b)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if a.IdempotencyKey == "" {
		t.Fatal("idempotency key not stamped")
	}
	if a.IdempotencyKey != b.IdempotencyKey {
		t.Fatalf("key not deterministic: %s vs %s", a.IdempotencyKey, b.IdempotencyKey)
	}
	if !bytes.Equal(ba, bb) {
		t.Fatal("canonical bytes not deterministic")
	}
}

func TestKeyIgnoresExistingKeyField(t *testing.T) {
	doc := sampleDoc()
	k1, err := ComputeIdempotencyKey(doc)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	doc.IdempotencyKey = "something-else"
	k2, err := ComputeIdempotencyKey(doc)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("key depends on its own field: %s vs %s", k1, k2)
	}
}

func TestKeyChangesWithContent(t *testing.T) {
	a := sampleDoc()
	b := sampleDoc()
	b.Actions[1].Decision.Title = "Other Book"
	ka, _ := ComputeIdempotencyKey(a)
	kb, _ := ComputeIdempotencyKey(b)
	if ka == kb {
		t.Fatal("key did not change with content")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	doc := sampleDoc()
	b, err := Finalize(doc)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != doc.SessionID || len(got.Actions) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Actions[1].Decision == nil || got.Actions[1].Decision.Author != "Author" {
		t.Fatalf("decision lost: %+v", got.Actions[1])
	}
}

func TestDecodeRejectsBadMode(t *testing.T) {
	doc := sampleDoc()
	b, err := Finalize(doc)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	bad := bytes.Replace(b, []byte(`"mode":"stage"`), []byte(`"mode":"teleport"`), 1)
	if !bytes.Contains(bad, []byte("teleport")) {
		t.Fatal("fixture replace failed")
	}
	if _, err := Decode(bad); err == nil {
		t.Fatal("invalid mode accepted")
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	doc := sampleDoc()
	b, err := Finalize(doc)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	bad := bytes.Replace(b, []byte(`"job_version":1`), []byte(`"job_version":2`), 1)
	if _, err := Decode(bad); err == nil {
		t.Fatal("wrong version accepted")
	}
}
