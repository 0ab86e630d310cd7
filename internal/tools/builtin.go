package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/astridlabs/astrid/internal/gateway"
)

// RegisterBuiltins installs the small set of always-available local tools.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(gateway.ToolSpec{
		Name:        "current_time",
		Description: "Returns the current date and time, optionally in a named IANA timezone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{"type": "string"},
			},
		},
	}, currentTime); err != nil {
		return err
	}
	return nil
}

func currentTime(_ context.Context, args map[string]any) (string, error) {
	loc := time.UTC
	if name, ok := args["timezone"].(string); ok && name != "" {
		parsed, err := time.LoadLocation(name)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", name)
		}
		loc = parsed
	}
	return time.Now().In(loc).Format(time.RFC1123), nil
}
