// Package chat contains consumers for finalized transcripts: the chat
// pipeline side of the coordinator's contract.
package chat

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini forwards each finalized transcript to the Gemini chat pipeline
// as an ordinary user message.
type Gemini struct {
	client *genai.Client
	logger *zap.Logger
	model  string
}

// NewGemini creates a Gemini transcript consumer.
func NewGemini(apiKey, model string, logger *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Gemini{client: client, logger: logger, model: model}, nil
}

// Deliver implements repositories.TranscriptConsumer.
func (g *Gemini) Deliver(ctx context.Context, sessionID string, transcript string) error {
	contents := []*genai.Content{
		genai.NewContentFromText(transcript, genai.RoleUser),
	}

	response, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return fmt.Errorf("failed to send transcript to chat: %w", err)
	}

	g.logger.Info("Transcript handed to chat pipeline",
		zap.String("sessionID", sessionID),
		zap.String("transcript", transcript),
		zap.String("response", response.Text()))
	return nil
}
