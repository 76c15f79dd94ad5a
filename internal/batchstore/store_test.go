package batchstore

import (
	"path/filepath"
	"testing"

	"github.com/forgesweep/forgesweep/internal/codemod"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "batch.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEntry(batch, name string) *Entry {
	return &Entry{
		Batch:        batch,
		Name:         name,
		URL:          "https://example.com/" + name,
		Mode:         "propose",
		Branch:       "forgesweep/tidy",
		TargetBranch: "main",
		Title:        "Tidy " + name,
		Labels:       []string{"cleanup"},
		Context:      map[string]any{"count": "3"},
		Result:       &codemod.Result{Code: codemod.CodeSuccess, Description: "tidied " + name},
		WorkDir:      "/tmp/" + name,
		Outcome:      "pending",
	}
}

func TestUpsertAndGetEntry(t *testing.T) {
	s := newStore(t)
	if err := s.UpsertBatch("tidy-2026", "tidy"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEntry(sampleEntry("tidy-2026", "widgets")); err != nil {
		t.Fatalf("UpsertEntry: %v", err)
	}

	e, err := s.GetEntry("tidy-2026", "widgets")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if e.URL != "https://example.com/widgets" || e.Mode != "propose" {
		t.Errorf("entry fields lost: %+v", e)
	}
	if len(e.Labels) != 1 || e.Labels[0] != "cleanup" {
		t.Errorf("Labels = %v", e.Labels)
	}
	if e.Context["count"] != "3" {
		t.Errorf("Context = %v", e.Context)
	}
	if e.Result == nil || e.Result.Description != "tidied widgets" {
		t.Errorf("Result not round-tripped: %+v", e.Result)
	}

	// Upsert with same key replaces.
	e2 := sampleEntry("tidy-2026", "widgets")
	e2.Outcome = "proposed"
	e2.ProposalURL = "https://forge.example/pull/1"
	if err := s.UpsertEntry(e2); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetEntry("tidy-2026", "widgets")
	if got.Outcome != "proposed" || got.ProposalURL != "https://forge.example/pull/1" {
		t.Errorf("upsert did not replace: %+v", got)
	}

	entries, err := s.ListEntries("tidy-2026", ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("ListEntries = %d entries", len(entries))
	}
}

func TestListNonTerminal(t *testing.T) {
	s := newStore(t)
	if err := s.UpsertBatch("b", "r"); err != nil {
		t.Fatal(err)
	}
	outcomes := map[string]string{
		"one":   "pending",
		"two":   "proposed",
		"three": "failed",
		"four":  "pushed",
		"five":  "skipped-insufficient",
		"six":   "no-op",
	}
	for name, outcome := range outcomes {
		e := sampleEntry("b", name)
		e.Outcome = outcome
		if err := s.UpsertEntry(e); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.ListEntries("b", ListOptions{NonTerminal: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("NonTerminal = %d entries, want 3", len(entries))
	}
	for _, e := range entries {
		if e.Outcome == "proposed" || e.Outcome == "pushed" || e.Outcome == "no-op" {
			t.Errorf("terminal entry %s leaked into non-terminal list", e.Name)
		}
	}

	failed, err := s.ListEntries("b", ListOptions{Outcome: "failed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Name != "three" {
		t.Errorf("Outcome filter: %v", failed)
	}
}

func TestUpdateOutcomeAndCounts(t *testing.T) {
	s := newStore(t)
	if err := s.UpsertBatch("b", "r"); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"one", "two"} {
		if err := s.UpsertEntry(sampleEntry("b", name)); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.UpdateOutcome("b", "one", "proposed", "", "https://forge.example/pull/9", "open"); err != nil {
		t.Fatal(err)
	}
	e, _ := s.GetEntry("b", "one")
	if e.Outcome != "proposed" || e.ProposalStatus != "open" {
		t.Errorf("UpdateOutcome: %+v", e)
	}

	if err := s.UpdateProposalStatus("b", "one", "merged"); err != nil {
		t.Fatal(err)
	}
	e, _ = s.GetEntry("b", "one")
	if e.ProposalStatus != "merged" {
		t.Errorf("UpdateProposalStatus: %+v", e)
	}

	counts, err := s.Counts("b")
	if err != nil {
		t.Fatal(err)
	}
	if counts["proposed"] != 1 || counts["pending"] != 1 {
		t.Errorf("Counts = %v", counts)
	}
}

func TestDeleteEntry(t *testing.T) {
	s := newStore(t)
	if err := s.UpsertBatch("b", "r"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEntry(sampleEntry("b", "one")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteEntry("b", "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetEntry("b", "one"); err == nil {
		t.Error("expected error for deleted entry")
	}
}

func TestGetBatch(t *testing.T) {
	s := newStore(t)
	if err := s.UpsertBatch("tidy-2026", "tidy"); err != nil {
		t.Fatal(err)
	}
	b, err := s.GetBatch("tidy-2026")
	if err != nil {
		t.Fatal(err)
	}
	if b.Recipe != "tidy" {
		t.Errorf("Recipe = %q", b.Recipe)
	}
}
