package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gmadsen/syncd/internal/model"
)

func TestFilterDropsIgnoredPaths(t *testing.T) {
	in := make(chan model.Event, 4)
	out := Filter(in, []string{".git", "*.tmp"})

	in <- model.Event{Path: "/repo/.git/HEAD", Action: model.ActionModify}
	in <- model.Event{Path: "/repo/a.txt", Action: model.ActionModify}
	in <- model.Event{Path: "/repo/build.tmp", Action: model.ActionCreate}
	close(in)

	var got []model.Event
	for e := range out {
		got = append(got, e)
	}

	if len(got) != 1 || got[0].Path != "/repo/a.txt" {
		t.Fatalf("expected only a.txt to survive filtering, got %+v", got)
	}
}

func TestDebounceCoalescesRapidWrites(t *testing.T) {
	in := make(chan model.Event, 8)
	out := Debounce(in, 30*time.Millisecond)

	for i := 0; i < 5; i++ {
		in <- model.Event{Path: "/a.txt", Action: model.ActionModify, Timestamp: time.Now()}
	}
	close(in)

	var got []model.Event
	for e := range out {
		got = append(got, e)
	}

	if len(got) != 1 {
		t.Fatalf("expected 5 rapid writes to coalesce into 1 event, got %d", len(got))
	}
}

func TestDebouncePassesResyncImmediately(t *testing.T) {
	in := make(chan model.Event, 2)
	out := Debounce(in, time.Hour)

	in <- model.Event{Path: "/root", Action: model.ActionResync}
	close(in)

	select {
	case e := <-out:
		if e.Action != model.ActionResync {
			t.Fatalf("expected RESYNC event, got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("expected RESYNC to bypass debouncing")
	}
}

func TestChecksumFilterDropsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	in := make(chan model.Event, 4)
	cf := NewChecksumFilter()
	out := cf.Run(in)

	in <- model.Event{Path: path, Action: model.ActionModify}
	in <- model.Event{Path: path, Action: model.ActionModify}
	close(in)

	var got []model.Event
	for e := range out {
		got = append(got, e)
	}

	if len(got) != 1 {
		t.Fatalf("expected the second identical-content event to be dropped, got %d events", len(got))
	}
}

func TestChecksumFilterPassesChangedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	_ = os.WriteFile(path, []byte("v1"), 0644)

	in := make(chan model.Event, 4)
	cf := NewChecksumFilter()
	out := cf.Run(in)

	in <- model.Event{Path: path, Action: model.ActionModify}

	first := <-out

	_ = os.WriteFile(path, []byte("v2-different"), 0644)
	in <- model.Event{Path: path, Action: model.ActionModify}
	close(in)

	second := <-out

	if first.Path != path || second.Path != path {
		t.Fatalf("expected both events for changed content to pass through")
	}
}
