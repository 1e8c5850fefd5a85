package toolserver

import "context"

// NewNotifyServer exposes notify_user. In background turns this is the only
// path from the agent to the channel; the callback publishes the
// notification event.
func NewNotifyServer(notify func(message string)) *Server {
	s := NewServer("notify")

	s.Add(&Tool{
		Name:        "notify_user",
		Description: "Send a short notification to the user. Use sparingly, for things that genuinely need attention.",
		Schema: ObjectSchema(map[string]any{
			"message": StringProp("Notification text"),
		}, "message"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			message, _ := args["message"].(string)
			if message == "" {
				return Error("message is required"), nil
			}
			if notify != nil {
				notify(message)
			}
			return Text("notified"), nil
		},
	})

	return s
}
