// Package toolserver models the tool servers handed to the engine for a
// turn: named collections of tools with JSON-schema argument shapes and async
// handlers. Servers are either in-process (handlers run inside the daemon) or
// external stdio processes the engine spawns itself.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// HandlerFunc executes one tool call. Failures that the model should react to
// are returned as an error Result, not as a Go error; a Go error means the
// handler itself is broken.
type HandlerFunc func(ctx context.Context, args map[string]any) (*Result, error)

// Result is the unified return shape of tool execution.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

func Text(content string) *Result  { return &Result{Content: content} }
func Error(content string) *Result { return &Result{Content: content, IsError: true} }

func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// JSON marshals v into a text result for the model.
func JSON(v any) *Result {
	data, err := json.Marshal(v)
	if err != nil {
		return Errorf("marshal result: %v", err)
	}
	return Text(string(data))
}

// Tool is one callable tool.
type Tool struct {
	Name        string
	Description string
	// Schema is a JSON-schema-shaped description of the arguments object.
	Schema  map[string]any
	Handler HandlerFunc
}

// Server is a named in-process collection of tools.
type Server struct {
	name  string
	tools map[string]*Tool
	order []string
}

func NewServer(name string) *Server {
	return &Server{name: name, tools: make(map[string]*Tool)}
}

func (s *Server) Name() string { return s.name }

// Add registers a tool. Re-adding a name replaces the previous tool.
func (s *Server) Add(t *Tool) *Server {
	if _, exists := s.tools[t.Name]; !exists {
		s.order = append(s.order, t.Name)
	}
	s.tools[t.Name] = t
	return s
}

// Tool looks up a tool by name.
func (s *Server) Tool(name string) (*Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Tools returns the tools in registration order.
func (s *Server) Tools() []*Tool {
	out := make([]*Tool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name])
	}
	return out
}

// ExternalConfig describes a stdio-speaking tool server the engine launches.
type ExternalConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Config is a resolved tool server: exactly one of InProcess or External.
type Config struct {
	InProcess *Server
	External  *ExternalConfig
}

// InProcessConfig wraps a server into a Config.
func InProcessConfig(s *Server) Config { return Config{InProcess: s} }

// ExternalStdio wraps an external command into a Config.
func ExternalStdio(command string, args ...string) Config {
	return Config{External: &ExternalConfig{Command: command, Args: args}}
}

// FullToolName is the model-visible name of an in-process server tool.
func FullToolName(server, tool string) string {
	return "mcp__" + server + "__" + tool
}

// SortedNames returns the server names of a config map in stable order.
func SortedNames(servers map[string]Config) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ObjectSchema builds a JSON-schema object shape from property definitions.
func ObjectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProp is a convenience for string-typed schema properties.
func StringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}
