package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Dalmarthas/Beyond-Call/internal/db"
)

func newTools(t *testing.T) (*Tools, *db.Store, db.Entry) {
	t.Helper()

	store, err := db.Open(db.MemoryPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	folder, err := store.CreateFolder(ctx, "Sales", "")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	entry, err := store.CreateEntry(ctx, folder.ID, "Renewal call")
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	return &Tools{Store: store}, store, entry
}

func request(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return tc.Text
}

func TestNewRegistersTools(t *testing.T) {
	tools, _, _ := newTools(t)
	if New("test", tools) == nil {
		t.Fatal("New returned nil")
	}
}

func TestListEntries(t *testing.T) {
	tools, _, entry := newTools(t)

	res, err := tools.ListEntries(context.Background(), request(nil))
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	var got []db.Entry
	if err := json.Unmarshal([]byte(resultText(t, res)), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].ID != entry.ID || got[0].Title != "Renewal call" {
		t.Errorf("entries = %+v", got)
	}

	res, err = tools.ListEntries(context.Background(), request(map[string]any{"folder_id": "nope"}))
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if text := resultText(t, res); text != "No entries found." {
		t.Errorf("text = %q", text)
	}
}

func TestGetTranscriptVersions(t *testing.T) {
	tools, store, entry := newTools(t)
	ctx := context.Background()

	res, err := tools.GetTranscript(ctx, request(map[string]any{"entry_id": entry.ID}))
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	if !strings.Contains(resultText(t, res), "not been transcribed") {
		t.Errorf("text = %q", resultText(t, res))
	}

	if _, err := store.AppendTranscript(ctx, entry.ID, "hello there", "en", false); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}
	if _, err := store.AppendTranscript(ctx, entry.ID, "hello there, fixed", "en", true); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}

	res, _ = tools.GetTranscript(ctx, request(map[string]any{"entry_id": entry.ID}))
	text := resultText(t, res)
	if !strings.HasPrefix(text, "Transcript v2 of 2 (language=en, edited)") || !strings.HasSuffix(text, "hello there, fixed") {
		t.Errorf("latest = %q", text)
	}

	// JSON numbers arrive as float64.
	res, _ = tools.GetTranscript(ctx, request(map[string]any{"entry_id": entry.ID, "version": float64(1)}))
	text = resultText(t, res)
	if !strings.HasPrefix(text, "Transcript v1 of 2") || !strings.HasSuffix(text, "hello there") {
		t.Errorf("v1 = %q", text)
	}

	res, _ = tools.GetTranscript(ctx, request(map[string]any{"entry_id": entry.ID, "version": float64(7)}))
	if !res.IsError {
		t.Error("missing version should be a tool error")
	}
}

func TestGetTranscriptErrors(t *testing.T) {
	tools, _, _ := newTools(t)
	ctx := context.Background()

	res, err := tools.GetTranscript(ctx, request(nil))
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	if !res.IsError {
		t.Error("missing entry_id should be a tool error")
	}

	res, _ = tools.GetTranscript(ctx, request(map[string]any{"entry_id": "missing"}))
	if !res.IsError || !strings.Contains(resultText(t, res), "not_found") {
		t.Errorf("unknown entry = %+v", res)
	}
}

func TestGetArtifactFlagsStale(t *testing.T) {
	tools, store, entry := newTools(t)
	ctx := context.Background()

	res, _ := tools.GetArtifact(ctx, request(map[string]any{"entry_id": entry.ID, "artifact_type": "summary"}))
	if !strings.Contains(resultText(t, res), "No summary") {
		t.Errorf("text = %q", resultText(t, res))
	}

	if _, err := store.AppendTranscript(ctx, entry.ID, "first", "en", false); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}
	if _, err := store.AppendArtifact(ctx, entry.ID, db.ArtifactSummary, "- goals", 1, false); err != nil {
		t.Fatalf("AppendArtifact: %v", err)
	}

	res, _ = tools.GetArtifact(ctx, request(map[string]any{"entry_id": entry.ID, "artifact_type": "summary"}))
	text := resultText(t, res)
	if strings.Contains(text, "STALE") || !strings.HasSuffix(text, "- goals") {
		t.Errorf("fresh artifact = %q", text)
	}

	if _, err := store.AppendTranscript(ctx, entry.ID, "second", "en", true); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}
	res, _ = tools.GetArtifact(ctx, request(map[string]any{"entry_id": entry.ID, "artifact_type": "summary"}))
	if !strings.Contains(resultText(t, res), "STALE") {
		t.Errorf("artifact should be stale: %q", resultText(t, res))
	}

	res, _ = tools.GetArtifact(ctx, request(map[string]any{"entry_id": entry.ID, "artifact_type": "poem"}))
	if !res.IsError {
		t.Error("unknown artifact type should be a tool error")
	}
}

func TestListRevisions(t *testing.T) {
	tools, store, entry := newTools(t)
	ctx := context.Background()

	if _, err := store.AppendTranscript(ctx, entry.ID, "first", "en", false); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}
	if _, err := store.AppendArtifact(ctx, entry.ID, db.ArtifactSummary, "s1", 1, false); err != nil {
		t.Fatalf("AppendArtifact: %v", err)
	}
	if _, err := store.AppendArtifact(ctx, entry.ID, db.ArtifactAnalysis, "a1", 1, false); err != nil {
		t.Fatalf("AppendArtifact: %v", err)
	}

	res, err := tools.ListRevisions(ctx, request(map[string]any{"entry_id": entry.ID}))
	if err != nil {
		t.Fatalf("ListRevisions: %v", err)
	}
	var all revisionList
	if err := json.Unmarshal([]byte(resultText(t, res)), &all); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(all.Transcripts) != 1 || len(all.Artifacts) != 2 {
		t.Errorf("revisions = %d transcripts, %d artifacts", len(all.Transcripts), len(all.Artifacts))
	}

	res, _ = tools.ListRevisions(ctx, request(map[string]any{"entry_id": entry.ID, "artifact_type": "analysis"}))
	var one revisionList
	if err := json.Unmarshal([]byte(resultText(t, res)), &one); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(one.Artifacts) != 1 || one.Artifacts[0].Text != "a1" {
		t.Errorf("filtered artifacts = %+v", one.Artifacts)
	}

	res, _ = tools.ListRevisions(ctx, request(map[string]any{"entry_id": "missing"}))
	if !res.IsError {
		t.Error("unknown entry should be a tool error")
	}
}

func TestGetBundle(t *testing.T) {
	tools, store, entry := newTools(t)
	ctx := context.Background()

	if _, err := store.AppendTranscript(ctx, entry.ID, "first", "en", false); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}
	res, err := tools.GetBundle(ctx, request(map[string]any{"entry_id": entry.ID}))
	if err != nil {
		t.Fatalf("GetBundle: %v", err)
	}
	var b db.Bundle
	if err := json.Unmarshal([]byte(resultText(t, res)), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.Entry.ID != entry.ID || b.Transcript == nil || b.Transcript.Text != "first" {
		t.Errorf("bundle = %+v", b)
	}

	res, _ = tools.GetBundle(ctx, request(map[string]any{"entry_id": "missing"}))
	if !res.IsError {
		t.Error("unknown entry should be a tool error")
	}
}
