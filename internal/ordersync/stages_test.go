package ordersync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadStageSetMissingEntriesKeepDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stages.json")
	if err := os.WriteFile(path, []byte(`{"won":"custom_won"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	set, err := LoadStageSet(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.StageID(StageWon) != "custom_won" {
		t.Fatalf("expected custom_won, got %s", set.StageID(StageWon))
	}
	if set.StageID(StageNew) != "stage_new" {
		t.Fatalf("expected default new stage, got %s", set.StageID(StageNew))
	}
}

func TestLoadStageSetEmptyPathIsDefaults(t *testing.T) {
	set, err := LoadStageSet("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.StageID(StageLost) != "stage_lost" {
		t.Fatalf("expected defaults, got %s", set.StageID(StageLost))
	}
}

func TestLoadStageSetMalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stages.json")
	if err := os.WriteFile(path, []byte(`{{`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadStageSet(path); err == nil {
		t.Fatalf("expected error for malformed config")
	}
}

func TestStageSetWatchPicksUpRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stages.json")
	if err := os.WriteFile(path, []byte(`{"new":"first_new"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	set, err := LoadStageSet(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stop, err := set.Watch(path)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte(`{"new":"second_new"}`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if set.StageID(StageNew) == "second_new" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected reload, still %s", set.StageID(StageNew))
}

func TestStageSetWatchKeepsLastGoodOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stages.json")
	if err := os.WriteFile(path, []byte(`{"won":"good_won"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	set, err := LoadStageSet(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stop, err := set.Watch(path)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte(`not json`), 0o644); err != nil {
		t.Fatalf("corrupt config: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if set.StageID(StageWon) != "good_won" {
		t.Fatalf("expected last good mapping kept, got %s", set.StageID(StageWon))
	}
}
