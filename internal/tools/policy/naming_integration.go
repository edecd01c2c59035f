// Package policy provides tool authorization and access control.
// This file integrates with the naming package for unified tool identity.
package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/loomagent/loom/internal/tools/naming"
)

// MaxToolsPerMCPServer caps how many tools a single MCP server can register,
// matching the bridge's namespacing limit.
const MaxToolsPerMCPServer = 50

// ToolRegistry provides a unified registry that bridges tool naming with policy.
// It wraps the naming.ToolRegistry and adds policy-specific functionality.
type ToolRegistry struct {
	naming   *naming.ToolRegistry
	resolver *Resolver

	mu         sync.RWMutex
	mcpServers map[string][]string // serverID -> tool names
}

// NewToolRegistry creates a new unified tool registry.
func NewToolRegistry(resolver *Resolver) *ToolRegistry {
	reg := &ToolRegistry{
		naming:     naming.NewToolRegistry(),
		resolver:   resolver,
		mcpServers: make(map[string][]string),
	}

	// Register default core aliases
	for alias, canonical := range naming.DefaultCoreAliases() {
		_ = reg.naming.RegisterAlias(alias, canonical) //nolint:errcheck // default aliases shouldn't fail
	}

	return reg
}

// RegisterCoreTool registers a core (built-in) tool.
func (r *ToolRegistry) RegisterCoreTool(name string) error {
	identity := naming.CoreTool(name)
	return r.naming.Register(identity)
}

// RegisterMCPTool registers an MCP tool and updates the policy resolver.
func (r *ToolRegistry) RegisterMCPTool(serverID, toolName string) error {
	if err := r.checkMCPServerCapacity(serverID, 1); err != nil {
		return err
	}
	identity := naming.MCPTool(serverID, toolName)
	if err := r.naming.Register(identity); err != nil {
		return err
	}

	r.mu.Lock()
	r.mcpServers[serverID] = append(r.mcpServers[serverID], toolName)
	r.mu.Unlock()

	// Also register with the compatibility resolver for backwards compatibility
	if r.resolver != nil {
		r.resolver.RegisterMCPServer(serverID, []string{toolName})
	}

	return nil
}

// RegisterMCPServer registers all tools from an MCP server, rejecting the
// batch if it would exceed MaxToolsPerMCPServer.
func (r *ToolRegistry) RegisterMCPServer(serverID string, tools []string) error {
	if err := r.checkMCPServerCapacity(serverID, len(tools)); err != nil {
		return err
	}

	for _, tool := range tools {
		identity := naming.MCPTool(serverID, tool)
		if err := r.naming.Register(identity); err != nil {
			// Continue on collision - server may be re-registering
			if _, ok := err.(naming.CollisionError); !ok {
				return err
			}
		}
	}

	r.mu.Lock()
	r.mcpServers[serverID] = append(r.mcpServers[serverID], tools...)
	r.mu.Unlock()

	// Register with compatibility resolver
	if r.resolver != nil {
		r.resolver.RegisterMCPServer(serverID, tools)
	}

	return nil
}

// UnregisterMCPServer removes all tools registered for an MCP server.
func (r *ToolRegistry) UnregisterMCPServer(serverID string) {
	r.mu.Lock()
	tools := r.mcpServers[serverID]
	delete(r.mcpServers, serverID)
	r.mu.Unlock()

	for _, tool := range tools {
		identity := naming.MCPTool(serverID, tool)
		r.naming.Unregister(identity.CanonicalName)
	}
}

func (r *ToolRegistry) checkMCPServerCapacity(serverID string, adding int) error {
	r.mu.RLock()
	current := len(r.mcpServers[serverID])
	r.mu.RUnlock()
	if current+adding > MaxToolsPerMCPServer {
		return fmt.Errorf("mcp server %q would exceed max tools (%d > %d)", serverID, current+adding, MaxToolsPerMCPServer)
	}
	return nil
}

// Resolve resolves a tool name to its identity.
func (r *ToolRegistry) Resolve(name string) (naming.ToolIdentity, bool) {
	return r.naming.Resolve(name)
}

// ResolveCanonical resolves a tool name to its canonical form.
func (r *ToolRegistry) ResolveCanonical(name string) string {
	return r.naming.ResolveCanonical(name)
}

// All returns all registered tool identities.
func (r *ToolRegistry) All() []naming.ToolIdentity {
	return r.naming.All()
}

// BySource returns tools filtered by source.
func (r *ToolRegistry) BySource(source naming.ToolSource) []naming.ToolIdentity {
	return r.naming.BySource(source)
}

// Matching returns tools matching a pattern.
func (r *ToolRegistry) Matching(pattern string) []naming.ToolIdentity {
	return r.naming.Matching(pattern)
}

// IdentifyTool returns the source type for a tool name.
func IdentifyTool(toolName string) naming.ToolSource {
	normalized := strings.ToLower(strings.TrimSpace(toolName))

	if strings.HasPrefix(normalized, "mcp:") || strings.HasPrefix(normalized, "mcp.") {
		return naming.SourceMCP
	}

	// Default to core for unqualified names
	return naming.SourceCore
}
