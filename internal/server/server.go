// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package server binds the engine's operation surface to MCP tools.
package server

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/munin-sh/munin-mcp/internal/service"
)

// MCPServer wraps the mcp-go server around the engine service
type MCPServer struct {
	mcpServer *server.MCPServer
	svc       *service.Service
}

// NewMCPServer creates the MCP server and registers every tool
func NewMCPServer(svc *service.Service, version string) *MCPServer {
	mcpServer := server.NewMCPServer(
		"Munin",
		version,
		server.WithToolCapabilities(true),
	)

	srv := &MCPServer{mcpServer: mcpServer, svc: svc}
	srv.registerTools()
	return srv
}

// registerTools wires the full operation surface
func (s *MCPServer) registerTools() {
	// Write path
	s.mcpServer.AddTool(NewSaveTool(), SaveHandler(s.svc))
	s.mcpServer.AddTool(NewTouchTool(), TouchHandler(s.svc))
	s.mcpServer.AddTool(NewObserveTool(), ObserveHandler(s.svc))
	s.mcpServer.AddTool(NewRelationTool(), RelationHandler(s.svc))

	// Read path
	s.mcpServer.AddTool(NewSearchTool(), SearchHandler(s.svc))
	s.mcpServer.AddTool(NewSearchUnifiedTool(), SearchUnifiedHandler(s.svc))
	s.mcpServer.AddTool(NewOpenTool(), OpenHandler(s.svc))
	s.mcpServer.AddTool(NewGraphTool(), GraphHandler(s.svc))

	// Lifecycle
	s.mcpServer.AddTool(NewPromoteTool(), PromoteHandler(s.svc))
	s.mcpServer.AddTool(NewClusterTool(), ClusterHandler(s.svc))
	s.mcpServer.AddTool(NewConsolidateTool(), ConsolidateHandler(s.svc))
	s.mcpServer.AddTool(NewGCTool(), GCHandler(s.svc))

	// Maintenance
	s.mcpServer.AddTool(NewStatsTool(), StatsHandler(s.svc))
	s.mcpServer.AddTool(NewCompactTool(), CompactHandler(s.svc))
	s.mcpServer.AddTool(NewRefreshLTMTool(), RefreshLTMHandler(s.svc))
}

// ServeStdio runs the server over stdin/stdout
func (s *MCPServer) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
