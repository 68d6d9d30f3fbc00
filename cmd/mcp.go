package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/ntic-sm/istabot/pkg/engine"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the assistant as an MCP server",
	Long: `Starts the assistant as a Model Context Protocol (MCP) server so AI
clients can query the campus knowledge base directly.

Transports:
  stdio (default) - For local desktop apps
  http            - For remote deployments

Tools exposed:
  ask_campus        - Answer a campus question grounded on the index
  search_knowledge  - Raw ranked retrieval with scores
  campus_status     - Pipeline and index status

Resources exposed:
  istabot://system-prompt - The grounding prompt the assistant answers with

Example:
  # Local stdio server
  istabot mcp

  # Remote HTTP server
  istabot mcp --transport http --port 8081

Configure in an MCP client (for stdio):
  {
    "mcpServers": {
      "istabot": {
        "command": "istabot",
        "args": ["mcp"]
      }
    }
  }`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport type: stdio or http")
	mcpCmd.Flags().Int("port", 8081, "HTTP server port (for http transport)")
	mcpCmd.Flags().String("host", "0.0.0.0", "HTTP server host (for http transport)")
}

// mcpServer exposes the answering pipeline over MCP.
type mcpServer struct {
	app *app
}

func runMCP(cmd *cobra.Command, args []string) error {
	transport, _ := cmd.Flags().GetString("transport")
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := buildApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	m := &mcpServer{app: a}

	s := mcpserver.NewMCPServer(
		"Istabot",
		"0.1.0",
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(true, false),
	)

	m.registerTools(s)
	m.registerResources(s)

	switch transport {
	case "stdio":
		if err := mcpserver.ServeStdio(s); err != nil {
			return fmt.Errorf("MCP server error: %w", err)
		}

	case "http":
		addr := fmt.Sprintf("%s:%d", host, port)
		a.logger.Info("MCP server listening on " + addr)

		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok","server":"istabot-mcp"}`))
		})
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(s, mcpserver.WithStateful(true)))

		httpServer := &http.Server{Addr: addr, Handler: mux}
		if err := httpServer.ListenAndServe(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}

	default:
		return fmt.Errorf("unsupported transport: %s (use 'stdio' or 'http')", transport)
	}

	return nil
}

func (m *mcpServer) registerTools(s *mcpserver.MCPServer) {
	askTool := mcp.NewTool("ask_campus",
		mcp.WithDescription(`Answer a question about ISTA NTIC Sidi Maarouf.

Grounds the answer on the indexed campus knowledge: timetables, exam
dates, rules, opening hours, sponsors, internships and site pages.
Questions are typically French; Arabic is detected and tagged.`),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The question to answer"),
		),
		mcp.WithString("user_id",
			mcp.Description("Conversation identifier to keep multi-turn context (default: student)"),
		),
	)
	s.AddTool(askTool, m.handleAskCampus)

	searchTool := mcp.NewTool("search_knowledge",
		mcp.WithDescription(`Search the campus knowledge base without generating an answer.

Returns the ranked passages with their scores, the way the answering
pipeline would see them. Use it to check what the index knows about a
topic before asking.`),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The search query"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Number of passages to return (default: 5)"),
		),
	)
	s.AddTool(searchTool, m.handleSearchKnowledge)

	statusTool := mcp.NewTool("campus_status",
		mcp.WithDescription("Report pipeline status: indexed document count and configured LLM providers."),
	)
	s.AddTool(statusTool, m.handleCampusStatus)
}

func (m *mcpServer) registerResources(s *mcpserver.MCPServer) {
	prompt := mcp.NewResource(
		"istabot://system-prompt",
		"Istabot System Prompt",
		mcp.WithResourceDescription("The grounding prompt every answer is generated under"),
		mcp.WithMIMEType("text/plain"),
	)

	s.AddResource(prompt, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "istabot://system-prompt",
				MIMEType: "text/plain",
				Text:     engine.SystemPrompt,
			},
		}, nil
	})
}

func (m *mcpServer) handleAskCampus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError("question parameter is required"), nil
	}
	if strings.TrimSpace(question) == "" {
		return mcp.NewToolResultError("question is empty"), nil
	}

	userID := request.GetString("user_id", "student")

	data, err := m.app.engine.Answer(ctx, question, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("answer failed: %v", err)), nil
	}

	resultJSON, _ := json.MarshalIndent(data, "", "  ")
	return mcp.NewToolResultText(string(resultJSON)), nil
}

func (m *mcpServer) handleSearchKnowledge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}

	topK := 5
	if k := request.GetFloat("top_k", 0); k > 0 {
		topK = int(k)
	}

	scored := m.app.retriever.Search(ctx, query, topK)

	passages := make([]map[string]interface{}, len(scored))
	for i, s := range scored {
		passages[i] = map[string]interface{}{
			"id":         s.Candidate.Document.ID,
			"text":       s.Candidate.Document.Text,
			"score":      s.Final,
			"collection": s.Candidate.Collection,
		}
		if len(s.Candidate.Document.Metadata) > 0 {
			passages[i]["metadata"] = s.Candidate.Document.Metadata
		}
	}

	result := map[string]interface{}{
		"query":    query,
		"passages": passages,
	}
	resultJSON, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(resultJSON)), nil
}

func (m *mcpServer) handleCampusStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := m.app.engine.Status(ctx)
	resultJSON, _ := json.MarshalIndent(status, "", "  ")
	return mcp.NewToolResultText(string(resultJSON)), nil
}
