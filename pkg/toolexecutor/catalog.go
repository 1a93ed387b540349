package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Catalog is the read-only source of tool definitions. RecordUsage is the
// only mutation the engine performs.
type Catalog interface {
	GetTool(ctx context.Context, toolID string) (*Tool, error)
	ListTools(ctx context.Context) ([]*Tool, error)
	RecordUsage(ctx context.Context, toolID string, duration time.Duration, success bool) error
}

// MemoryCatalog is an in-process Catalog.
type MemoryCatalog struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewMemoryCatalog creates a catalog holding tools.
func NewMemoryCatalog(tools ...*Tool) (*MemoryCatalog, error) {
	c := &MemoryCatalog{tools: make(map[string]*Tool)}
	for _, tool := range tools {
		if err := c.Register(tool); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// CheckTool reports structural problems in a tool definition.
func CheckTool(tool *Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is nil")
	}
	if tool.ID == "" {
		return fmt.Errorf("tool id is required")
	}
	if tool.Name == "" {
		return fmt.Errorf("tool %s: name is required", tool.ID)
	}
	if !isValidKind(tool.Type.Kind) {
		return fmt.Errorf("tool %s: invalid tool kind %q", tool.ID, tool.Type.Kind)
	}
	seen := make(map[string]struct{}, len(tool.Parameters))
	for _, p := range tool.Parameters {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter name is required", tool.ID)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("tool %s: duplicate parameter %s", tool.ID, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

func isValidKind(kind ToolKind) bool {
	for _, k := range AllToolKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// Register adds or replaces a tool definition.
func (c *MemoryCatalog) Register(tool *Tool) error {
	if err := CheckTool(tool); err != nil {
		return err
	}
	stored := tool.Clone()
	if stored.Status == "" {
		stored.Status = ToolActive
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.tools[stored.ID]; ok {
		stored.Usage = prev.Usage
	}
	c.tools[stored.ID] = stored
	return nil
}

// Replace swaps the whole tool set, keeping usage stats of surviving tools.
func (c *MemoryCatalog) Replace(tools []*Tool) error {
	next := make(map[string]*Tool, len(tools))
	for _, tool := range tools {
		if err := CheckTool(tool); err != nil {
			return err
		}
		stored := tool.Clone()
		if stored.Status == "" {
			stored.Status = ToolActive
		}
		next[stored.ID] = stored
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, tool := range next {
		if prev, ok := c.tools[id]; ok {
			tool.Usage = prev.Usage
		}
	}
	c.tools = next
	return nil
}

// Remove deletes a tool definition.
func (c *MemoryCatalog) Remove(toolID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.tools[toolID]
	delete(c.tools, toolID)
	return ok
}

func (c *MemoryCatalog) GetTool(_ context.Context, toolID string) (*Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tool, ok := c.tools[toolID]
	if !ok {
		return nil, NewError(KindToolNotFound, "tool %s not found", toolID)
	}
	return tool.Clone(), nil
}

// ListTools returns every tool sorted by id.
func (c *MemoryCatalog) ListTools(_ context.Context) ([]*Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tools := make([]*Tool, 0, len(c.tools))
	for _, tool := range c.tools {
		tools = append(tools, tool.Clone())
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })
	return tools, nil
}

// ToolsByKind returns the tools served by the given backend family.
func (c *MemoryCatalog) ToolsByKind(kind ToolKind) []*Tool {
	tools, _ := c.ListTools(context.Background())
	out := make([]*Tool, 0, len(tools))
	for _, tool := range tools {
		if tool.Type.Kind == kind {
			out = append(out, tool)
		}
	}
	return out
}

func (c *MemoryCatalog) RecordUsage(_ context.Context, toolID string, duration time.Duration, success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tool, ok := c.tools[toolID]
	if !ok {
		return NewError(KindToolNotFound, "tool %s not found", toolID)
	}

	stats := &tool.Usage
	total := stats.AverageDurationMS * float64(stats.TotalExecutions)
	stats.TotalExecutions++
	if success {
		stats.SuccessCount++
	} else {
		stats.FailureCount++
	}
	stats.AverageDurationMS = (total + float64(duration.Milliseconds())) / float64(stats.TotalExecutions)
	now := time.Now()
	stats.LastUsedAt = &now
	return nil
}
