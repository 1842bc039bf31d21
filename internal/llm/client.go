// Package llm provides text-generation clients.
package llm

import "context"

// Message is one chat message sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single generation request.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Client is the interface every inference backend implements.
type Client interface {
	// Generate returns the model's complete text response.
	Generate(ctx context.Context, req Request) (string, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error
}
