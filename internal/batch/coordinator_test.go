package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/forgesweep/forgesweep/internal/batchstore"
	"github.com/forgesweep/forgesweep/internal/codemod"
	"github.com/forgesweep/forgesweep/internal/forge"
	"github.com/forgesweep/forgesweep/internal/publish"
	"github.com/forgesweep/forgesweep/internal/recipe"
)

// fakeEngine produces canned results and records the jobs it ran.
type fakeEngine struct {
	mu   sync.Mutex
	jobs []publish.Job

	// fail lists entry names whose runs should error.
	fail map[string]bool

	// noop lists entry names that report no changes.
	noop map[string]bool

	nextProposal int
}

func (f *fakeEngine) Run(_ context.Context, job publish.Job) (*publish.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)

	if f.fail[job.Name] {
		return &publish.JobResult{Outcome: publish.OutcomeFailed}, errors.New("codemod blew up")
	}
	res := &publish.JobResult{
		Branch:        "forgesweep/tidy",
		TargetBranch:  "main",
		CommitMessage: "Tidy " + job.Name,
		Title:         "Tidy " + job.Name,
	}
	if f.noop[job.Name] {
		res.Outcome = publish.OutcomeNoOp
		return res, nil
	}
	if job.DryRun {
		res.Outcome = publish.OutcomePending
		res.Result = &codemod.Result{
			Code:    codemod.CodeSuccess,
			Context: map[string]any{"entry": job.Name},
		}
		if job.KeepWorkspace {
			dir, _ := os.MkdirTemp("", "fake-ws-")
			res.WorkDir = dir
		}
		return res, nil
	}
	f.nextProposal++
	res.Outcome = publish.OutcomeProposed
	res.ProposalURL = fmt.Sprintf("https://forge.example/pull/%d", f.nextProposal)
	res.ProposalStatus = "open"
	return res, nil
}

func newCoordinator(t *testing.T, engine *fakeEngine) *Coordinator {
	t.Helper()
	store, err := batchstore.New(filepath.Join(t.TempDir(), "batch.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return &Coordinator{Store: store, Engine: engine, Workers: 2}
}

func testRecipe() *recipe.Recipe {
	return &recipe.Recipe{
		Name:    "tidy",
		Command: recipe.Command{"true"},
		Mode:    recipe.ModePropose,
	}
}

func TestGenerateAndPublish(t *testing.T) {
	engine := &fakeEngine{}
	c := newCoordinator(t, engine)
	r := testRecipe()

	candidates := []recipe.Candidate{
		{URL: "https://example.com/widgets"},
		{URL: "https://example.com/gadgets"},
	}
	if err := c.Generate(context.Background(), "tidy-2026", r, candidates); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	entries, err := c.Store.ListEntries("tidy-2026", batchstore.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	for _, e := range entries {
		if e.Outcome != string(publish.OutcomePending) {
			t.Errorf("entry %s outcome = %q", e.Name, e.Outcome)
		}
		if e.WorkDir == "" {
			t.Errorf("entry %s has no kept workdir", e.Name)
		}
		t.Cleanup(func() { os.RemoveAll(e.WorkDir) })
	}

	if err := c.Publish(context.Background(), "tidy-2026", r, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	entries, _ = c.Store.ListEntries("tidy-2026", batchstore.ListOptions{})
	urls := map[string]bool{}
	for _, e := range entries {
		if e.Outcome != string(publish.OutcomeProposed) {
			t.Errorf("entry %s outcome = %q", e.Name, e.Outcome)
		}
		if e.ProposalURL == "" || urls[e.ProposalURL] {
			t.Errorf("entry %s proposal url = %q", e.Name, e.ProposalURL)
		}
		urls[e.ProposalURL] = true
	}

	// Republishing a finished batch runs no further jobs.
	before := len(engine.jobs)
	if err := c.Publish(context.Background(), "tidy-2026", r, false); err != nil {
		t.Fatal(err)
	}
	if len(engine.jobs) != before {
		t.Error("terminal entries were republished")
	}
}

func TestGenerateSkipsNoopCandidates(t *testing.T) {
	engine := &fakeEngine{noop: map[string]bool{"gadgets": true}}
	c := newCoordinator(t, engine)

	candidates := []recipe.Candidate{
		{URL: "https://example.com/widgets"},
		{URL: "https://example.com/gadgets"},
	}
	if err := c.Generate(context.Background(), "b", testRecipe(), candidates); err != nil {
		t.Fatal(err)
	}
	entries, _ := c.Store.ListEntries("b", batchstore.ListOptions{})
	if len(entries) != 1 || entries[0].Name != "widgets" {
		t.Errorf("expected only widgets, got %v", entryNames(entries))
	}
}

func TestGenerateRecordsFailures(t *testing.T) {
	engine := &fakeEngine{fail: map[string]bool{"widgets": true}}
	c := newCoordinator(t, engine)

	candidates := []recipe.Candidate{
		{URL: "https://example.com/widgets"},
		{URL: "https://example.com/gadgets"},
	}
	if err := c.Generate(context.Background(), "b", testRecipe(), candidates); err != nil {
		t.Fatalf("candidate failures must not abort generation: %v", err)
	}
	e, err := c.Store.GetEntry("b", "widgets")
	if err != nil {
		t.Fatal(err)
	}
	if e.Outcome != string(publish.OutcomeFailed) || e.Error == "" {
		t.Errorf("failure not recorded: %+v", e)
	}
	if _, err := c.Store.GetEntry("b", "gadgets"); err != nil {
		t.Error("later candidates should still be processed")
	}
}

func TestEntryNameCollisions(t *testing.T) {
	engine := &fakeEngine{}
	c := newCoordinator(t, engine)

	candidates := []recipe.Candidate{
		{URL: "https://example.com/org-a/widgets"},
		{URL: "https://example.com/org-b/widgets"},
		{URL: "https://example.com/org-c/widgets"},
	}
	if err := c.Generate(context.Background(), "b", testRecipe(), candidates); err != nil {
		t.Fatal(err)
	}
	entries, _ := c.Store.ListEntries("b", batchstore.ListOptions{})
	got := entryNames(entries)
	want := map[string]bool{"widgets": true, "widgets.1": true, "widgets.2": true}
	if len(got) != 3 {
		t.Fatalf("got %v", got)
	}
	for _, name := range got {
		if !want[name] {
			t.Errorf("unexpected entry name %q", name)
		}
	}
}

func TestPublishReusesWorkdir(t *testing.T) {
	engine := &fakeEngine{}
	c := newCoordinator(t, engine)
	r := testRecipe()

	if err := c.Generate(context.Background(), "b", r, []recipe.Candidate{{URL: "https://example.com/widgets"}}); err != nil {
		t.Fatal(err)
	}
	e, _ := c.Store.GetEntry("b", "widgets")
	defer os.RemoveAll(e.WorkDir)

	if err := c.Publish(context.Background(), "b", r, false); err != nil {
		t.Fatal(err)
	}
	last := engine.jobs[len(engine.jobs)-1]
	if last.Dir != e.WorkDir {
		t.Errorf("publish should reuse kept workdir %q, got %q", e.WorkDir, last.Dir)
	}
	if last.DryRun {
		t.Error("publish must not be a dry run")
	}
	if last.Resume == nil || last.Resume.Context["entry"] != "widgets" {
		t.Errorf("stored result not handed back as checkpoint: %+v", last.Resume)
	}
}

// statusForge serves canned proposals and records the repo dir each
// client was built for.
type statusForge struct {
	proposals map[string]*forge.Proposal
	dirs      []string
}

func (f *statusForge) FindProposal(context.Context, string, string) (*forge.Proposal, error) {
	return nil, forge.ErrProposalNotFound
}

func (f *statusForge) GetProposal(_ context.Context, url string) (*forge.Proposal, error) {
	p, ok := f.proposals[url]
	if !ok {
		return nil, forge.ErrProposalNotFound
	}
	return p, nil
}

func (f *statusForge) CreateProposal(context.Context, forge.CreateOptions) (*forge.Proposal, error) {
	return nil, errors.New("not supported")
}

func (f *statusForge) UpdateProposal(context.Context, string, forge.UpdateOptions) error {
	return errors.New("not supported")
}

func (f *statusForge) CloseProposal(context.Context, string) error {
	return errors.New("not supported")
}

func TestStatusRefreshesWithoutWorkdir(t *testing.T) {
	engine := &fakeEngine{}
	c := newCoordinator(t, engine)

	url := "https://forge.example/pull/7"
	sf := &statusForge{proposals: map[string]*forge.Proposal{
		url: {URL: url, Status: forge.StatusMerged},
	}}
	c.ForgeFor = func(dir string) forge.Forge {
		sf.dirs = append(sf.dirs, dir)
		return sf
	}

	if err := c.Store.UpsertBatch("b", "tidy"); err != nil {
		t.Fatal(err)
	}
	// The kept workdir was pruned; the proposal URL alone must suffice.
	e := &batchstore.Entry{
		Batch: "b", Name: "gone", URL: "u", Mode: "propose",
		Outcome: string(publish.OutcomeProposed), ProposalURL: url,
		ProposalStatus: "open", WorkDir: "/no/such/workdir",
	}
	if err := c.Store.UpsertEntry(e); err != nil {
		t.Fatal(err)
	}

	entries, err := c.Status(context.Background(), "b")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(entries) != 1 || entries[0].ProposalStatus != "merged" {
		t.Errorf("status not refreshed: %+v", entries)
	}
	got, _ := c.Store.GetEntry("b", "gone")
	if got.ProposalStatus != "merged" {
		t.Errorf("refreshed status not persisted: %q", got.ProposalStatus)
	}
	if len(sf.dirs) != 1 || sf.dirs[0] != "" {
		t.Errorf("forge should be built without a repo dir, got %v", sf.dirs)
	}
}

func TestPruneRemovesFinishedEntries(t *testing.T) {
	engine := &fakeEngine{}
	c := newCoordinator(t, engine)

	if err := c.Store.UpsertBatch("b", "tidy"); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	done := &batchstore.Entry{
		Batch: "b", Name: "done", URL: "u", Mode: "propose",
		Outcome: string(publish.OutcomeProposed), ProposalStatus: "merged", WorkDir: dir,
	}
	open := &batchstore.Entry{
		Batch: "b", Name: "open", URL: "u", Mode: "propose",
		Outcome: string(publish.OutcomeProposed), ProposalStatus: "open",
	}
	for _, e := range []*batchstore.Entry{done, open} {
		if err := c.Store.UpsertEntry(e); err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := c.Prune(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if _, err := c.Store.GetEntry("b", "done"); err == nil {
		t.Error("merged entry should be deleted")
	}
	if _, err := c.Store.GetEntry("b", "open"); err != nil {
		t.Error("open entry should remain")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("workdir of pruned entry should be removed")
	}
}

func entryNames(entries []*batchstore.Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}
