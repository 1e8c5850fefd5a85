package toolserver

import (
	"context"
	"time"

	"github.com/kjulin/opennova/internal/store/usage"
)

// NewUsageServer exposes aggregation queries over the usage log.
func NewUsageServer(log *usage.Log) *Server {
	s := NewServer("usage")

	s.Add(&Tool{
		Name:        "usage_report",
		Description: "Report token usage and estimated cost, total and per agent.",
		Schema: ObjectSchema(map[string]any{
			"days": map[string]any{"type": "number", "description": "Window in days (default: all time)"},
		}),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			var since time.Time
			if v, ok := args["days"].(float64); ok && v > 0 {
				since = time.Now().Add(-time.Duration(v) * 24 * time.Hour)
			}
			totals, err := log.Totals(since)
			if err != nil {
				return nil, err
			}
			byAgent, err := log.TotalsByAgent(since)
			if err != nil {
				return nil, err
			}
			return JSON(map[string]any{"totals": totals, "byAgent": byAgent}), nil
		},
	})

	return s
}
