package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/graphstore"
	"github.com/starford/veritas/internal/models"
	"github.com/starford/veritas/internal/storage"
	"github.com/starford/veritas/internal/testutil"
	"github.com/starford/veritas/internal/version"
)

const lyonBatch = `summary: add lyon
vertices:
  - id: lyon
    label: Lyon
    type: City
relationships:
  - id: r-lyon-france
    subject: lyon
    predicate: locatedIn
    object: france
`

const quarkNote = `# particles
- [[Quark]] partOf [[Proton]]
`

const quarkVertices = `vertices:
  - id: quark
    label: Quark
  - id: proton
    label: Proton
`

// ingestTestEnv sets up an inbox dir, storage and a seeded graph.
func ingestTestEnv(t *testing.T) (string, *graphstore.Store, *version.Manager) {
	t.Helper()
	inbox := t.TempDir()
	store := testutil.TestStore(t)
	versions := version.New(store)
	testutil.SeedCapitals(t, versions)
	return inbox, store, versions
}

func newIngester(t *testing.T, inbox string, c Committer, opts ...Option) *Ingester {
	t.Helper()
	fs, err := storage.NewFS(inbox)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(fs, c, append([]Option{WithLogger(logger), WithDebounce(20 * time.Millisecond)}, opts...)...)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func TestIngest_CommitsAndArchives(t *testing.T) {
	inbox, store, versions := ingestTestEnv(t)
	in := newIngester(t, inbox, versions)
	writeFile(t, inbox, "lyon.yaml", lyonBatch)

	ok, err := in.Ingest(context.Background(), "lyon.yaml")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !ok {
		t.Fatal("expected a new version")
	}
	v, err := store.FetchVertex(context.Background(), "lyon", models.Latest)
	if err != nil {
		t.Fatalf("lyon not committed: %v", err)
	}
	if v.Label != "Lyon" {
		t.Errorf("label = %q", v.Label)
	}
	if exists(filepath.Join(inbox, "lyon.yaml")) {
		t.Error("inbox file should have been moved")
	}
	if !exists(filepath.Join(inbox, ".processed", "000002-lyon.yaml")) {
		t.Error("processed file missing")
	}
	got, _ := store.Version(context.Background(), 2)
	if got.Summary != "add lyon" {
		t.Errorf("summary = %q", got.Summary)
	}
}

func TestIngest_DuplicateSkipped(t *testing.T) {
	inbox, _, versions := ingestTestEnv(t)
	in := newIngester(t, inbox, versions)
	writeFile(t, inbox, "lyon.yaml", lyonBatch)
	if _, err := in.Ingest(context.Background(), "lyon.yaml"); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// Same content again, different summary only.
	writeFile(t, inbox, "again.yaml", strings.Replace(lyonBatch, "add lyon", "add lyon twice", 1))
	ok, err := in.Ingest(context.Background(), "again.yaml")
	if err != nil {
		t.Fatalf("Ingest duplicate: %v", err)
	}
	if ok {
		t.Error("duplicate should not commit")
	}
	latest, _ := versions.Latest(context.Background())
	if latest != 2 {
		t.Errorf("latest = %d, want 2", latest)
	}
	if exists(filepath.Join(inbox, "again.yaml")) {
		t.Error("duplicate should be archived")
	}
}

func TestIngest_DuplicateAcrossRestart(t *testing.T) {
	inbox, _, versions := ingestTestEnv(t)
	writeFile(t, inbox, "lyon.yaml", lyonBatch)
	if _, err := newIngester(t, inbox, versions).Ingest(context.Background(), "lyon.yaml"); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	writeFile(t, inbox, "lyon.yaml", lyonBatch)
	ok, err := newIngester(t, inbox, versions).Ingest(context.Background(), "lyon.yaml")
	if err != nil {
		t.Fatalf("Ingest after restart: %v", err)
	}
	if ok {
		t.Error("batch from the processed directory should be recognised")
	}
}

func TestIngest_RejectedMovesToFailed(t *testing.T) {
	inbox, _, versions := ingestTestEnv(t)
	in := newIngester(t, inbox, versions)
	// Endpoint "atlantis" is not a live vertex.
	writeFile(t, inbox, "bad.yaml", "relationships:\n  - subject: atlantis\n    predicate: locatedIn\n    object: europe\n")

	_, err := in.Ingest(context.Background(), "bad.yaml")
	if err == nil || !rejected(err) {
		t.Fatalf("err = %v, want rejection", err)
	}
	if !exists(filepath.Join(inbox, ".failed", "bad.yaml")) {
		t.Error("rejected file not moved to failed")
	}
	report, readErr := os.ReadFile(filepath.Join(inbox, ".failed", "bad.yaml.error"))
	if readErr != nil {
		t.Fatalf("error report missing: %v", readErr)
	}
	if !strings.Contains(string(report), "atlantis") {
		t.Errorf("report = %q", report)
	}
}

type failingCommitter struct{}

func (failingCommitter) Commit(context.Context, models.Mutations, string) (models.Version, error) {
	return models.Version{}, apperr.ErrGraphUnavailable
}

func TestIngest_TransientFailureKeepsFile(t *testing.T) {
	inbox := t.TempDir()
	in := newIngester(t, inbox, failingCommitter{})
	writeFile(t, inbox, "lyon.yaml", lyonBatch)

	if _, err := in.Ingest(context.Background(), "lyon.yaml"); err == nil {
		t.Fatal("expected error")
	}
	if !exists(filepath.Join(inbox, "lyon.yaml")) {
		t.Error("file should stay in the inbox for a retry")
	}
}

func TestSync_OrderAndCount(t *testing.T) {
	inbox, store, versions := ingestTestEnv(t)
	in := newIngester(t, inbox, versions)

	writeFile(t, inbox, "a-vertices.yaml", quarkVertices)
	writeFile(t, inbox, "b-note.md", quarkNote)
	writeFile(t, inbox, "broken.json", "{not json")
	writeFile(t, inbox, "readme.txt", "ignored")
	old := time.Now().Add(-time.Minute)
	_ = os.Chtimes(filepath.Join(inbox, "a-vertices.yaml"), old, old)

	n, err := in.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 2 {
		t.Errorf("committed = %d, want 2", n)
	}
	rels, err := store.FindRelationships(context.Background(), graphstore.RelationshipQuery{Subject: "quark"}, models.Latest)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 1 || rels[0].Object != "proton" {
		t.Errorf("relationships = %+v", rels)
	}
	if !exists(filepath.Join(inbox, ".failed", "broken.json")) {
		t.Error("broken document should be in failed")
	}
	if !exists(filepath.Join(inbox, "readme.txt")) {
		t.Error("unsupported files are left alone")
	}
}

func TestWatcher_NewFileCommitted(t *testing.T) {
	inbox, store, versions := ingestTestEnv(t)

	var mu sync.Mutex
	var events []string
	in := newIngester(t, inbox, versions, OnCommit(func(path string, v models.Version) {
		mu.Lock()
		events = append(events, path)
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- in.Watch(ctx) }()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, inbox, "lyon.yaml", lyonBatch)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, err := store.FetchVertex(context.Background(), "lyon", models.Latest)
		return err == nil
	}, "new file not committed by watcher")

	eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1 && events[0] == "lyon.yaml"
	}, "expected commit callback for lyon.yaml")

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
}

func TestWatcher_InitialSyncAndNewDir(t *testing.T) {
	inbox, store, versions := ingestTestEnv(t)
	writeFile(t, inbox, "lyon.yaml", lyonBatch)
	in := newIngester(t, inbox, versions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Watch(ctx)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, err := store.FetchVertex(context.Background(), "lyon", models.Latest)
		return err == nil
	}, "inbox content not committed at start")

	sub := filepath.Join(inbox, "physics")
	_ = os.MkdirAll(sub, 0o755)
	time.Sleep(100 * time.Millisecond)
	writeFile(t, inbox, filepath.Join("physics", "quark.yaml"), quarkVertices)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, err := store.FetchVertex(context.Background(), "quark", models.Latest)
		return err == nil
	}, "file in new subdir not committed by watcher")
}

func TestHiddenPath(t *testing.T) {
	for rel, want := range map[string]bool{
		"a.yaml":             false,
		"sub/a.yaml":         false,
		".processed/a.yaml":  true,
		"sub/.failed/a.yaml": true,
		".veritas-tmp-123":   true,
	} {
		if got := hiddenPath(rel); got != want {
			t.Errorf("hiddenPath(%q) = %v, want %v", rel, got, want)
		}
	}
}
