package toolschema

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/harun/toolengine/pkg/toolexecutor"
	"github.com/openai/openai-go"
)

// Set is a group of tools offered to a model in one conversation. It
// remembers which provider name belongs to which tool id.
type Set struct {
	tools []*toolexecutor.Tool
	ids   map[string]string
}

// NewSet fails when two tool ids map to the same provider name.
func NewSet(tools []*toolexecutor.Tool) (*Set, error) {
	s := &Set{tools: tools, ids: make(map[string]string, len(tools))}
	for _, tool := range tools {
		name := ProviderName(tool.ID)
		if other, ok := s.ids[name]; ok {
			return nil, fmt.Errorf("tools %s and %s share provider name %s", other, tool.ID, name)
		}
		s.ids[name] = tool.ID
	}
	return s, nil
}

// ToolID resolves a provider tool name.
func (s *Set) ToolID(name string) (string, bool) {
	id, ok := s.ids[name]
	return id, ok
}

func description(tool *toolexecutor.Tool) string {
	if tool.Description != "" {
		return tool.Description
	}
	return tool.Name
}

// Anthropic returns the tools as Messages API tool definitions.
func (s *Set) Anthropic() []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(s.tools))
	for _, tool := range s.tools {
		schema := InputSchema(tool)
		toolParam := anthropic.ToolParam{
			Name:        ProviderName(tool.ID),
			Description: anthropic.String(description(tool)),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   schema["required"].([]string),
			},
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}

// OpenAI returns the tools as Chat Completions function tools.
func (s *Set) OpenAI() []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        ProviderName(tool.ID),
				Description: openai.String(description(tool)),
				Parameters:  openai.FunctionParameters(InputSchema(tool)),
			},
		})
	}
	return tools
}

// FromAnthropic converts a tool_use block into a request run on behalf of
// execCtx. The block id is kept in the context metadata as tool_call_id.
func (s *Set) FromAnthropic(block anthropic.ToolUseBlock, execCtx toolexecutor.ExecutionContext) (*toolexecutor.ExecutionRequest, error) {
	return s.request(block.ID, block.Name, []byte(block.JSON.Input.Raw()), execCtx)
}

// FromOpenAI converts a chat completion tool call.
func (s *Set) FromOpenAI(call openai.ChatCompletionMessageToolCall, execCtx toolexecutor.ExecutionContext) (*toolexecutor.ExecutionRequest, error) {
	return s.request(call.ID, call.Function.Name, []byte(call.Function.Arguments), execCtx)
}

func (s *Set) request(callID, name string, input []byte, execCtx toolexecutor.ExecutionContext) (*toolexecutor.ExecutionRequest, error) {
	toolID, ok := s.ToolID(name)
	if !ok {
		return nil, toolexecutor.NewError(toolexecutor.KindToolNotFound, "model called unknown tool %q", name)
	}

	params := map[string]interface{}{}
	if len(input) > 0 && string(input) != "null" {
		if err := json.Unmarshal(input, &params); err != nil {
			return nil, toolexecutor.WrapError(toolexecutor.KindInvalidParameters, err, "arguments of %s", name)
		}
	}

	metadata := make(map[string]interface{}, len(execCtx.Metadata)+1)
	for k, v := range execCtx.Metadata {
		metadata[k] = v
	}
	metadata["tool_call_id"] = callID
	execCtx.Metadata = metadata

	return &toolexecutor.ExecutionRequest{
		ToolID:     toolID,
		Parameters: params,
		Context:    execCtx,
	}, nil
}
