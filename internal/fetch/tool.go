package fetch

import (
	"context"
	"fmt"
)

// ToolHandler wraps a Fetcher as a tool handler. The result is plain
// text so it can be injected directly into the conversation.
func ToolHandler(f *Fetcher) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		url, _ := args["url"].(string)
		if url == "" {
			return "", fmt.Errorf("url is required")
		}

		result, err := f.Fetch(ctx, url)
		if err != nil {
			return "", err
		}
		return result.Format(), nil
	}
}
