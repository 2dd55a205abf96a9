package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/couchtail/couchtail/internal/feed"
)

func TestArchiveWritesGzippedJSONL(t *testing.T) {
	dir := t.TempDir()
	archive := NewArchive(dir, zap.NewNop())

	changes := []*feed.Change{
		{Database: "orders", ID: "doc-a", Action: feed.ActionUpdate, Seq: "43", Doc: map[string]any{"name": "widget"}},
		{Database: "orders", ID: "doc-a", Action: feed.ActionDelete, Seq: "44"},
	}
	for _, change := range changes {
		if err := archive.Apply(context.Background(), change); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "orders.jsonl.gz"))
	if err != nil {
		t.Fatalf("expected archive file: %v", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("opening gzip stream: %v", err)
	}

	scanner := bufio.NewScanner(gz)
	var lines []feed.Change
	for scanner.Scan() {
		var c feed.Change
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			t.Fatalf("invalid JSON line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, c)
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}

	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Seq != "43" || lines[0].Action != feed.ActionUpdate {
		t.Errorf("unexpected first line: %+v", lines[0])
	}
	if lines[1].Seq != "44" || lines[1].Action != feed.ActionDelete {
		t.Errorf("unexpected second line: %+v", lines[1])
	}
}

func TestArchiveSeparateFilePerDatabase(t *testing.T) {
	dir := t.TempDir()
	archive := NewArchive(dir, zap.NewNop())

	if err := archive.Apply(context.Background(), &feed.Change{Database: "orders", ID: "a", Action: feed.ActionUpdate, Seq: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := archive.Apply(context.Background(), &feed.Change{Database: "users", ID: "b", Action: feed.ActionUpdate, Seq: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := archive.Close(); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"orders.jsonl.gz", "users.jsonl.gz"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
}

func TestMultiFansOutInOrder(t *testing.T) {
	var order []string
	mk := func(name string) Sink {
		return sinkFunc(func(*feed.Change) error {
			order = append(order, name)
			return nil
		})
	}

	multi := NewMulti(mk("first"), mk("second"))
	if err := multi.Apply(context.Background(), &feed.Change{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("unexpected fan-out order: %v", order)
	}
}

func TestMultiStopsOnFirstError(t *testing.T) {
	var secondCalled bool
	failing := sinkFunc(func(*feed.Change) error { return context.DeadlineExceeded })
	second := sinkFunc(func(*feed.Change) error {
		secondCalled = true
		return nil
	})

	multi := NewMulti(failing, second)
	if err := multi.Apply(context.Background(), &feed.Change{ID: "a"}); err == nil {
		t.Fatal("expected error from first sink")
	}
	if secondCalled {
		t.Error("second sink must not see the change after a failure")
	}
}

type sinkFunc func(*feed.Change) error

func (f sinkFunc) Apply(_ context.Context, c *feed.Change) error { return f(c) }
func (f sinkFunc) Close() error                                  { return nil }
