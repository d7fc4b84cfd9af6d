package groq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const previewLimit = 400

// FirstChoiceContent extracts the text of the first completion choice. It
// supports both the message.content and the legacy text layout; an empty
// string means the response carried no usable choice.
func FirstChoiceContent(resp *ChatResponse) string {
	if resp == nil || len(resp.Choices) == 0 {
		return ""
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "" {
		return choice.Message.Content
	}
	return choice.Text
}

// Preview shortens content to a terminal-friendly excerpt.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit]) + "…"
}

// DefaultOutputPath names the response dump with a filesystem-safe UTC
// timestamp under outputDir.
func DefaultOutputPath(outputDir string) string {
	if outputDir == "" {
		outputDir = "outputs"
	}
	ts := time.Now().UTC().Format("2006-01-02T15-04-05")
	return filepath.Join(outputDir, fmt.Sprintf("groq-response-%s.json", ts))
}

// SaveJSON writes the full response as indented JSON, creating parent
// directories as needed.
func SaveJSON(resp *ChatResponse, path string) error {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write response file: %w", err)
	}
	return nil
}
