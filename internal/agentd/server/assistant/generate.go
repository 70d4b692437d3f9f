package assistant

import (
	"context"
	"fmt"
	"strings"
)

// GenerateOnce runs a single throwaway exchange, never touching the main
// conversation, and returns the assistant's final text. The small helper
// endpoints (commit names, task summaries) build on this.
func GenerateOnce(ctx context.Context, streamer Streamer, workDir, model, prompt string) (string, error) {
	q, err := streamer.Start(ctx, QueryRequest{
		Prompt:  prompt,
		Model:   model,
		WorkDir: workDir,
	})
	if err != nil {
		return "", err
	}

	var final string
	var failed bool
	for ev := range q.Events() {
		switch ev.Type {
		case EventTypeAssistant:
			if ev.Message != nil {
				if text := textFromBlocks(string(ev.Message.Content)); text != "" {
					final = text
				}
			}
		case EventTypeResult:
			if ev.IsError {
				failed = true
			}
			if ev.Result != "" {
				final = ev.Result
			}
		}
		if err := ctx.Err(); err != nil {
			q.Interrupt()
			return "", err
		}
	}

	final = strings.TrimSpace(final)
	if failed {
		return "", fmt.Errorf("assistant reported an error")
	}
	if final == "" {
		return "", fmt.Errorf("assistant returned no text")
	}
	return final, nil
}
