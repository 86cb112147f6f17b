// Package mcpserver exposes the conversation log as MCP tools, so sibling
// processes append and read through the same serialized store path instead
// of opening the database themselves.
package mcpserver

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/convlog/internal/backup"
	"github.com/comigor/convlog/internal/history"
	"github.com/comigor/convlog/internal/logger"
)

const (
	serverName    = "convlog"
	serverVersion = "0.1.0"

	defaultHistoryLimit = 50
)

// Conversation is the part of conversation.Manager the tools need.
type Conversation interface {
	SessionID() string
	AppendTo(ctx context.Context, sessionID string, role history.Role, content string) (history.AppendResult, error)
	History(ctx context.Context, sessionID string) iter.Seq2[history.Message, error]
	Count(ctx context.Context, sessionID string) (int, error)
	Snapshot(ctx context.Context, reason string) (string, error)
	Verify(ctx context.Context, slot backup.Slot) (backup.IntegrityReport, error)
	Restore(ctx context.Context, slot backup.Slot, force bool) (bool, error)
}

type handlers struct {
	conv Conversation
}

// New builds an MCP server with the conversation tools registered.
func New(conv Conversation) *server.MCPServer {
	h := &handlers{conv: conv}
	s := server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))

	slots := []string{string(backup.SlotSon), string(backup.SlotFather), string(backup.SlotGrandfather)}

	s.AddTool(mcp.NewTool("conversation_append",
		mcp.WithDescription("Append a message to the conversation log. Re-sending an identical message is a no-op."),
		mcp.WithString("role", mcp.Required(), mcp.Enum("user", "assistant", "system"), mcp.Description("Message author")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("session_id", mcp.Description("Session to append to; defaults to the configured session")),
	), h.append)

	s.AddTool(mcp.NewTool("conversation_history",
		mcp.WithDescription("List the most recent durable messages, oldest first."),
		mcp.WithString("session_id", mcp.Description("Session to read; empty reads every session")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of messages to return")),
	), h.history)

	s.AddTool(mcp.NewTool("conversation_count",
		mcp.WithDescription("Count durable messages."),
		mcp.WithString("session_id", mcp.Description("Session to count; empty counts every session")),
	), h.count)

	s.AddTool(mcp.NewTool("backup_snapshot",
		mcp.WithDescription("Copy the conversation store into the newest backup slot, rotating older ones."),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the backup is taken")),
	), h.snapshot)

	s.AddTool(mcp.NewTool("backup_verify",
		mcp.WithDescription("Check that a backup slot holds a readable store."),
		mcp.WithString("slot", mcp.Required(), mcp.Enum(slots...)),
	), h.verify)

	s.AddTool(mcp.NewTool("backup_restore",
		mcp.WithDescription("Replace the live store with a backup slot. The live store is backed up first."),
		mcp.WithString("slot", mcp.Required(), mcp.Enum(slots...)),
		mcp.WithBoolean("force", mcp.Description("Restore even if the slot failed verification")),
	), h.restore)

	return s
}

// Serve runs the server over stdio until the client disconnects.
func Serve(conv Conversation) error {
	logger.L.Info("Serving conversation tools over stdio")
	return server.ServeStdio(New(conv))
}

func (h *handlers) append(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawRole, err := req.RequireString("role")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	role, err := history.ParseRole(rawRole)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	session := req.GetString("session_id", h.conv.SessionID())

	res, err := h.conv.AppendTo(ctx, session, role, content)
	if err != nil && !res.Pending {
		return mcp.NewToolResultErrorFromErr("append failed", err), nil
	}
	return jsonResult(res)
}

func (h *handlers) history(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session := req.GetString("session_id", history.AllSessions)
	limit := req.GetInt("limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	// Keep only the tail; the store is read page by page.
	tail := make([]history.Message, 0, limit)
	for msg, err := range h.conv.History(ctx, session) {
		if err != nil {
			return mcp.NewToolResultErrorFromErr("history unavailable", err), nil
		}
		if len(tail) == limit {
			tail = append(tail[:0], tail[1:]...)
		}
		tail = append(tail, msg)
	}
	return jsonResult(tail)
}

func (h *handlers) count(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n, err := h.conv.Count(ctx, req.GetString("session_id", history.AllSessions))
	if err != nil {
		return mcp.NewToolResultErrorFromErr("count unavailable", err), nil
	}
	return jsonResult(map[string]int{"count": n})
}

func (h *handlers) snapshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reason, err := req.RequireString("reason")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := h.conv.Snapshot(ctx, reason)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("backup failed", err), nil
	}
	return jsonResult(map[string]string{"id": id, "slot": string(backup.SlotSon)})
}

func (h *handlers) verify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slot, errResult := slotArg(req)
	if errResult != nil {
		return errResult, nil
	}
	report, err := h.conv.Verify(ctx, slot)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("verify failed", err), nil
	}
	return jsonResult(report)
}

func (h *handlers) restore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slot, errResult := slotArg(req)
	if errResult != nil {
		return errResult, nil
	}
	ok, err := h.conv.Restore(ctx, slot, req.GetBool("force", false))
	if err != nil {
		return mcp.NewToolResultErrorFromErr("restore failed", err), nil
	}
	return jsonResult(map[string]any{"restored": ok, "slot": slot})
}

func slotArg(req mcp.CallToolRequest) (backup.Slot, *mcp.CallToolResult) {
	raw, err := req.RequireString("slot")
	if err != nil {
		return "", mcp.NewToolResultError(err.Error())
	}
	slot, err := backup.ParseSlot(raw)
	if err != nil {
		return "", mcp.NewToolResultError(err.Error())
	}
	return slot, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
