package state

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/user/agentcore/internal/types"
)

func TestArtifactStore(t *testing.T) {
	dir := t.TempDir()
	store := NewArtifactStore(dir)
	ctx := context.Background()

	sessionID := types.NewSessionID()
	output := strings.Repeat("x", 100) + "NEEDLE" + strings.Repeat("y", 100)

	artifactID, err := store.Put(ctx, sessionID, "call_1", "bash", output)
	if err != nil {
		t.Fatal(err)
	}
	if artifactID == "" {
		t.Error("expected non-empty artifact ID")
	}

	raw, err := store.Get(ctx, artifactID)
	if err != nil {
		t.Fatal(err)
	}
	var retrieved string
	if err := json.Unmarshal(raw, &retrieved); err != nil {
		t.Fatal(err)
	}
	if retrieved != output {
		t.Error("data mismatch")
	}

	meta, err := store.GetMeta(ctx, artifactID)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Tool != "bash" || meta.CallID != "call_1" || meta.Size != len(output) {
		t.Errorf("unexpected meta %+v", meta)
	}

	excerpt, err := store.Excerpt(ctx, artifactID, "needle", 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(excerpt) != 20 || !strings.Contains(excerpt, "NEEDLE") {
		t.Errorf("unexpected excerpt %q", excerpt)
	}

	if _, err := store.Get(ctx, "art_missing"); err == nil {
		t.Error("expected error for missing artifact")
	}
}

func TestArtifactListAndReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	sid := types.NewSessionID()

	store := NewArtifactStore(dir)
	first, err := store.Put(ctx, sid, "c1", "bash", "one")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(ctx, sid, "c2", "read_url", "two"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(ctx, types.NewSessionID(), "c3", "bash", "other session"); err != nil {
		t.Fatal(err)
	}

	// A second store over the same root finds artifacts by scanning.
	reopened := NewArtifactStore(dir)
	metas, err := reopened.List(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 2 || metas[0].ID != first || metas[1].Tool != "read_url" {
		t.Fatalf("unexpected list %+v", metas)
	}
	if _, err := reopened.GetMeta(ctx, first); err != nil {
		t.Fatal(err)
	}

	none, err := reopened.List(ctx, types.NewSessionID())
	if err != nil || len(none) != 0 {
		t.Fatalf("List(empty) = %v, %v", none, err)
	}
}

func TestArtifactExcerptWindow(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	ctx := context.Background()
	id, err := store.Put(ctx, types.NewSessionID(), "c1", "bash", "héllo wörld, the end is HERE")
	if err != nil {
		t.Fatal(err)
	}

	tail, err := store.Excerpt(ctx, id, "here", 8)
	if err != nil {
		t.Fatal(err)
	}
	if tail != " is HERE" {
		t.Errorf("excerpt near the end = %q", tail)
	}
	if n := len([]rune(tail)); n != 8 {
		t.Errorf("excerpt has %d runes, want 8", n)
	}

	head, err := store.Excerpt(ctx, id, "absent", 5)
	if err != nil {
		t.Fatal(err)
	}
	if head != "héllo" {
		t.Errorf("excerpt without match = %q", head)
	}

	if _, err := store.Get(ctx, "../escape"); err == nil {
		t.Error("expected error for path-like id")
	}
}
