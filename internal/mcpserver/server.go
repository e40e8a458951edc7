// Package mcpserver exposes entries and their revision history as read-only
// MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
	"github.com/Dalmarthas/Beyond-Call/internal/db"
)

// Store is the read side of the revision store.
type Store interface {
	Entries(ctx context.Context, folderID string) ([]db.Entry, error)
	Entry(ctx context.Context, id string) (db.Entry, error)
	TranscriptRevisions(ctx context.Context, entryID string) ([]db.TranscriptRevision, error)
	ArtifactRevisions(ctx context.Context, entryID, artifactType string) ([]db.ArtifactRevision, error)
	Bundle(ctx context.Context, entryID string) (db.Bundle, error)
}

// Tools holds the tool handlers.
type Tools struct {
	Store  Store
	Logger *zap.SugaredLogger
}

// New builds an MCP server with every tool registered.
func New(version string, t *Tools) *server.MCPServer {
	s := server.NewMCPServer("beyondcall", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("list_entries",
		mcp.WithDescription("List recorded entries, newest first, with their pipeline status."),
		mcp.WithString("folder_id", mcp.Description("Only entries in this folder")),
	), t.ListEntries)

	s.AddTool(mcp.NewTool("get_transcript",
		mcp.WithDescription("Get an entry's transcript: the current revision, or a specific version."),
		mcp.WithString("entry_id", mcp.Required(), mcp.Description("Entry ID")),
		mcp.WithNumber("version", mcp.Description("Transcript version; omit for the current one")),
	), t.GetTranscript)

	s.AddTool(mcp.NewTool("get_artifact",
		mcp.WithDescription("Get the current revision of a generated artifact, flagged if it is stale."),
		mcp.WithString("entry_id", mcp.Required(), mcp.Description("Entry ID")),
		mcp.WithString("artifact_type", mcp.Required(),
			mcp.Enum(db.ArtifactTypes...),
			mcp.Description("Artifact type")),
	), t.GetArtifact)

	s.AddTool(mcp.NewTool("list_revisions",
		mcp.WithDescription("List every transcript and artifact revision of an entry, oldest first."),
		mcp.WithString("entry_id", mcp.Required(), mcp.Description("Entry ID")),
		mcp.WithString("artifact_type", mcp.Description("Restrict artifacts to one type")),
	), t.ListRevisions)

	s.AddTool(mcp.NewTool("get_bundle",
		mcp.WithDescription("Get an entry with its current transcript and the current revision of every artifact."),
		mcp.WithString("entry_id", mcp.Required(), mcp.Description("Entry ID")),
	), t.GetBundle)

	return s
}

// Serve runs the server over stdin/stdout until the client disconnects.
func Serve(version string, t *Tools) error {
	return server.ServeStdio(New(version, t))
}

func (t *Tools) log() *zap.SugaredLogger {
	if t.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return t.Logger
}

// toolError reports expected failures to the model instead of failing the
// protocol call.
func (t *Tools) toolError(tool string, err error) (*mcp.CallToolResult, error) {
	t.log().Warnw("tool failed", "tool", tool, "error", err)
	return mcp.NewToolResultError(err.Error()), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (t *Tools) ListEntries(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := t.Store.Entries(ctx, req.GetString("folder_id", ""))
	if err != nil {
		return t.toolError("list_entries", err)
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("No entries found."), nil
	}
	return jsonResult(entries)
}

func (t *Tools) GetTranscript(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entryID, err := req.RequireString("entry_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := t.Store.Entry(ctx, entryID); err != nil {
		return t.toolError("get_transcript", err)
	}
	revs, err := t.Store.TranscriptRevisions(ctx, entryID)
	if err != nil {
		return t.toolError("get_transcript", err)
	}
	if len(revs) == 0 {
		return mcp.NewToolResultText("This entry has not been transcribed yet."), nil
	}

	want := req.GetInt("version", 0)
	rev := revs[len(revs)-1]
	if want != 0 {
		found := false
		for _, r := range revs {
			if r.Version == want {
				rev, found = r, true
				break
			}
		}
		if !found {
			return t.toolError("get_transcript", apperr.New(apperr.KindNotFound, "transcript version %d of entry %s", want, entryID))
		}
	}
	header := fmt.Sprintf("Transcript v%d of %d (language=%s", rev.Version, len(revs), rev.Language)
	if rev.IsManualEdit {
		header += ", edited"
	}
	return mcp.NewToolResultText(header + ")\n\n" + rev.Text), nil
}

func (t *Tools) GetArtifact(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entryID, err := req.RequireString("entry_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	artifactType, err := req.RequireString("artifact_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !db.ValidArtifactType(artifactType) {
		return t.toolError("get_artifact", apperr.New(apperr.KindInvalidInput, "unknown artifact type %q", artifactType))
	}

	bundle, err := t.Store.Bundle(ctx, entryID)
	if err != nil {
		return t.toolError("get_artifact", err)
	}
	a, ok := bundle.Artifacts[artifactType]
	if !ok {
		return mcp.NewToolResultText(fmt.Sprintf("No %s has been generated for this entry.", artifactType)), nil
	}
	header := fmt.Sprintf("%s v%d (from transcript v%d", artifactType, a.Version, a.SourceTranscriptVersion)
	if a.IsStale {
		header += ", STALE: the transcript has changed since"
	}
	if a.IsManualEdit {
		header += ", edited"
	}
	return mcp.NewToolResultText(header + ")\n\n" + a.Text), nil
}

type revisionList struct {
	Transcripts []db.TranscriptRevision `json:"transcripts"`
	Artifacts   []db.ArtifactRevision   `json:"artifacts"`
}

func (t *Tools) ListRevisions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entryID, err := req.RequireString("entry_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	artifactType := req.GetString("artifact_type", "")
	if artifactType != "" && !db.ValidArtifactType(artifactType) {
		return t.toolError("list_revisions", apperr.New(apperr.KindInvalidInput, "unknown artifact type %q", artifactType))
	}
	if _, err := t.Store.Entry(ctx, entryID); err != nil {
		return t.toolError("list_revisions", err)
	}

	var out revisionList
	if out.Transcripts, err = t.Store.TranscriptRevisions(ctx, entryID); err != nil {
		return t.toolError("list_revisions", err)
	}
	if out.Artifacts, err = t.Store.ArtifactRevisions(ctx, entryID, artifactType); err != nil {
		return t.toolError("list_revisions", err)
	}
	return jsonResult(out)
}

func (t *Tools) GetBundle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entryID, err := req.RequireString("entry_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	bundle, err := t.Store.Bundle(ctx, entryID)
	if err != nil {
		return t.toolError("get_bundle", err)
	}
	return jsonResult(bundle)
}
