package toolserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const memoryMaxBytes = 64 * 1024

// NewMemoryServer exposes the agent's long-term memory directory: one
// markdown file per named memory.
func NewMemoryServer(dir string) *Server {
	s := NewServer("memory")

	s.Add(&Tool{
		Name:        "save_memory",
		Description: "Save a named long-term memory. Overwrites an existing memory with the same name.",
		Schema: ObjectSchema(map[string]any{
			"name":    StringProp("Short kebab-case memory name"),
			"content": StringProp("Memory content (markdown)"),
		}, "name", "content"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			name, _ := args["name"].(string)
			content, _ := args["content"].(string)
			if err := validMemoryName(name); err != nil {
				return Error(err.Error()), nil
			}
			if content == "" {
				return Error("content is required"), nil
			}
			if len(content) > memoryMaxBytes {
				return Errorf("memory too large (%d bytes, max %d)", len(content), memoryMaxBytes), nil
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0644); err != nil {
				return nil, err
			}
			return Text("saved " + name), nil
		},
	})

	s.Add(&Tool{
		Name:        "read_memory",
		Description: "Read a named memory.",
		Schema: ObjectSchema(map[string]any{
			"name": StringProp("Memory name"),
		}, "name"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			name, _ := args["name"].(string)
			if err := validMemoryName(name); err != nil {
				return Error(err.Error()), nil
			}
			data, err := os.ReadFile(filepath.Join(dir, name+".md"))
			if os.IsNotExist(err) {
				return Errorf("no memory named %q", name), nil
			}
			if err != nil {
				return nil, err
			}
			return Text(string(data)), nil
		},
	})

	s.Add(&Tool{
		Name:        "list_memories",
		Description: "List saved memory names.",
		Schema:      ObjectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			entries, err := os.ReadDir(dir)
			if os.IsNotExist(err) {
				return JSON([]string{}), nil
			}
			if err != nil {
				return nil, err
			}
			var names []string
			for _, e := range entries {
				if strings.HasSuffix(e.Name(), ".md") {
					names = append(names, strings.TrimSuffix(e.Name(), ".md"))
				}
			}
			sort.Strings(names)
			return JSON(names), nil
		},
	})

	s.Add(&Tool{
		Name:        "delete_memory",
		Description: "Delete a named memory.",
		Schema: ObjectSchema(map[string]any{
			"name": StringProp("Memory name"),
		}, "name"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			name, _ := args["name"].(string)
			if err := validMemoryName(name); err != nil {
				return Error(err.Error()), nil
			}
			err := os.Remove(filepath.Join(dir, name+".md"))
			if os.IsNotExist(err) {
				return Errorf("no memory named %q", name), nil
			}
			if err != nil {
				return nil, err
			}
			return Text("deleted " + name), nil
		},
	})

	return s
}

func validMemoryName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid memory name %q", name)
	}
	return nil
}
