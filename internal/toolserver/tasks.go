package toolserver

import (
	"context"
	"errors"

	"github.com/kjulin/opennova/internal/store/tasks"
)

// NewTaskServer exposes the task store. The calling agent owns tasks it
// creates unless it assigns them elsewhere.
func NewTaskServer(store *tasks.Store, agentID string) *Server {
	s := NewServer("tasks")

	s.Add(&Tool{
		Name:        "create_task",
		Description: "Create a new task. Owner defaults to this agent; set owner to \"user\" for tasks the user drives.",
		Schema: ObjectSchema(map[string]any{
			"title":          StringProp("Task title"),
			"description":    StringProp("Optional longer description"),
			"owner":          StringProp("Owner agent id, or \"user\" (default: this agent)"),
			"parent_task_id": map[string]any{"type": "number", "description": "Optional live parent task id"},
		}, "title"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			title, _ := args["title"].(string)
			description, _ := args["description"].(string)
			owner, _ := args["owner"].(string)
			if owner == "" {
				owner = agentID
			}
			var parentID int64
			if v, ok := args["parent_task_id"].(float64); ok {
				parentID = int64(v)
			}
			t, err := store.Create(title, description, owner, agentID, parentID)
			if err != nil {
				return Error(err.Error()), nil
			}
			return JSON(t), nil
		},
	})

	s.Add(&Tool{
		Name:        "list_tasks",
		Description: "List all live tasks.",
		Schema:      ObjectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			return JSON(store.List()), nil
		},
	})

	s.Add(&Tool{
		Name:        "get_task",
		Description: "Fetch one live task by id.",
		Schema: ObjectSchema(map[string]any{
			"task_id": map[string]any{"type": "number", "description": "Task id"},
		}, "task_id"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			id, ok := args["task_id"].(float64)
			if !ok {
				return Error("task_id is required"), nil
			}
			t, err := store.Get(int64(id))
			if err != nil {
				return Error(err.Error()), nil
			}
			return JSON(t), nil
		},
	})

	s.Add(&Tool{
		Name:        "set_task_status",
		Description: "Transition a task's status (active, waiting, done, canceled). Done and canceled archive the task; canceling cascades to linked subtasks.",
		Schema: ObjectSchema(map[string]any{
			"task_id": map[string]any{"type": "number", "description": "Task id"},
			"status":  StringProp("New status: active, waiting, done, or canceled"),
		}, "task_id", "status"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			id, ok := args["task_id"].(float64)
			if !ok {
				return Error("task_id is required"), nil
			}
			status, _ := args["status"].(string)
			err := store.SetStatus(int64(id), status)
			if errors.Is(err, tasks.ErrTaskNotFound) || errors.Is(err, tasks.ErrBadTransition) {
				return Error(err.Error()), nil
			}
			if err != nil {
				return nil, err
			}
			return Text("ok"), nil
		},
	})

	s.Add(&Tool{
		Name:        "add_step",
		Description: "Append a step to a task, optionally linking a live subtask.",
		Schema: ObjectSchema(map[string]any{
			"task_id":    map[string]any{"type": "number", "description": "Task id"},
			"title":      StringProp("Step title"),
			"subtask_id": map[string]any{"type": "number", "description": "Optional id of a live task this step tracks"},
		}, "task_id", "title"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			id, ok := args["task_id"].(float64)
			if !ok {
				return Error("task_id is required"), nil
			}
			title, _ := args["title"].(string)
			if title == "" {
				return Error("title is required"), nil
			}
			var subtaskID int64
			if v, ok := args["subtask_id"].(float64); ok {
				subtaskID = int64(v)
			}
			t, err := store.Update(int64(id), func(t *tasks.Task) {
				t.Steps = append(t.Steps, tasks.Step{Title: title, TaskID: subtaskID})
			})
			if err != nil {
				return Error(err.Error()), nil
			}
			return JSON(t), nil
		},
	})

	s.Add(&Tool{
		Name:        "complete_step",
		Description: "Mark one step of a task done (steps are zero-indexed).",
		Schema: ObjectSchema(map[string]any{
			"task_id": map[string]any{"type": "number", "description": "Task id"},
			"index":   map[string]any{"type": "number", "description": "Step index"},
		}, "task_id", "index"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			id, ok := args["task_id"].(float64)
			if !ok {
				return Error("task_id is required"), nil
			}
			idx, ok := args["index"].(float64)
			if !ok {
				return Error("index is required"), nil
			}
			var bad bool
			t, err := store.Update(int64(id), func(t *tasks.Task) {
				i := int(idx)
				if i < 0 || i >= len(t.Steps) {
					bad = true
					return
				}
				t.Steps[i].Done = true
			})
			if err != nil {
				return Error(err.Error()), nil
			}
			if bad {
				return Errorf("step index %d out of range", int(idx)), nil
			}
			return JSON(t), nil
		},
	})

	return s
}
