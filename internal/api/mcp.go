package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/anamnesis/internal/llm"
	"github.com/kalambet/anamnesis/internal/session"
	"github.com/kalambet/anamnesis/internal/talk"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *session.Store
	Talker *talk.Talker
}

// NewMCPServer creates an MCP server exposing finished personas as tools and
// resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"anamnesis",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("anamnesis: character profiles built by interview. Talk to finished personas or stage scenes between them."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List every profiling session, newest first."),
		),
		mcpListSessions(deps),
	)

	s.AddTool(
		mcp.NewTool("get_profile",
			mcp.WithDescription("Return the final profile of a finished persona."),
			mcp.WithString("id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpGetProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("talk",
			mcp.WithDescription("Send a message to a persona and get its in-character reply."),
			mcp.WithString("id", mcp.Description("Session id of the persona"), mcp.Required()),
			mcp.WithString("message", mcp.Description("Message to send"), mcp.Required()),
			mcp.WithString("history", mcp.Description("Optional JSON array of prior {role, content} turns; role is user or model")),
		),
		mcpTalk(deps),
	)

	s.AddTool(
		mcp.NewTool("group_scene",
			mcp.WithDescription("Write a scene in which two or more personas interact."),
			mcp.WithString("ids", mcp.Description("Comma-separated session ids"), mcp.Required()),
			mcp.WithString("situation", mcp.Description("Where and when the scene takes place"), mcp.Required()),
			mcp.WithString("theme", mcp.Description("What the characters talk about"), mcp.Required()),
		),
		mcpGroupScene(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"anamnesis://personas",
			"Personas",
			mcp.WithResourceDescription("Finished personas with their profiles as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePersonas(deps),
	)

	return s
}

func mcpListSessions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Store.List(ctx))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		p, err := deps.Talker.Persona(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("get_profile failed: %v", err)), nil
		}
		return mcpText(p.Profile), nil
	}
}

func mcpTalk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		var history []llm.Turn
		if raw := req.GetString("history", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &history); err != nil {
				return mcpError(fmt.Sprintf("invalid history JSON: %v", err)), nil
			}
		}

		reply, err := deps.Talker.Chat(ctx, id, history, message, "")
		if err != nil {
			return mcpError(fmt.Sprintf("talk failed: %v", err)), nil
		}
		return mcpText(reply), nil
	}
}

func mcpGroupScene(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids, err := req.RequireString("ids")
		if err != nil {
			return mcpError("ids is required"), nil
		}
		scene := talk.Scene{
			Situation: req.GetString("situation", ""),
			Theme:     req.GetString("theme", ""),
		}
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				scene.IDs = append(scene.IDs, id)
			}
		}

		script, err := deps.Talker.Group(ctx, scene)
		if err != nil {
			return mcpError(fmt.Sprintf("group_scene failed: %v", err)), nil
		}
		return mcpText(script), nil
	}
}

func mcpResourcePersonas(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		personas, err := deps.Talker.Personas(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list personas: %w", err)
		}

		b, err := json.Marshal(personas)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal personas: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
