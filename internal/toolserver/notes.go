package toolserver

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// NewNotesServer exposes the agent's notes directory: markdown files the
// agent writes for the user. share delivers a note to the active channel via
// the supplied callback (typically a thread:note bus publish).
func NewNotesServer(dir string, share func(title, path string)) *Server {
	s := NewServer("notes")

	s.Add(&Tool{
		Name:        "write_note",
		Description: "Write (or overwrite) a markdown note.",
		Schema: ObjectSchema(map[string]any{
			"title":   StringProp("Note title (becomes the filename)"),
			"content": StringProp("Note content (markdown)"),
		}, "title", "content"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			title, _ := args["title"].(string)
			content, _ := args["content"].(string)
			if err := validMemoryName(slugify(title)); err != nil {
				return Error("invalid title"), nil
			}
			if content == "" {
				return Error("content is required"), nil
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(dir, slugify(title)+".md"), []byte(content), 0644); err != nil {
				return nil, err
			}
			return Text("wrote note " + title), nil
		},
	})

	s.Add(&Tool{
		Name:        "read_note",
		Description: "Read a note by title.",
		Schema: ObjectSchema(map[string]any{
			"title": StringProp("Note title"),
		}, "title"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			title, _ := args["title"].(string)
			data, err := os.ReadFile(filepath.Join(dir, slugify(title)+".md"))
			if os.IsNotExist(err) {
				return Errorf("no note titled %q", title), nil
			}
			if err != nil {
				return nil, err
			}
			return Text(string(data)), nil
		},
	})

	s.Add(&Tool{
		Name:        "list_notes",
		Description: "List note titles.",
		Schema:      ObjectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			entries, err := os.ReadDir(dir)
			if os.IsNotExist(err) {
				return JSON([]string{}), nil
			}
			if err != nil {
				return nil, err
			}
			var titles []string
			for _, e := range entries {
				if strings.HasSuffix(e.Name(), ".md") {
					titles = append(titles, strings.TrimSuffix(e.Name(), ".md"))
				}
			}
			sort.Strings(titles)
			return JSON(titles), nil
		},
	})

	s.Add(&Tool{
		Name:        "share_note",
		Description: "Share a note with the user on the current channel.",
		Schema: ObjectSchema(map[string]any{
			"title": StringProp("Note title"),
		}, "title"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			title, _ := args["title"].(string)
			path := filepath.Join(dir, slugify(title)+".md")
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return Errorf("no note titled %q", title), nil
			} else if err != nil {
				return nil, err
			}
			if share != nil {
				share(title, path)
			}
			return Text("shared " + title), nil
		},
	})

	return s
}

func slugify(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))
	var b strings.Builder
	dash := false
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
