package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/bobarin/beatsync/internal/logging"
	"github.com/bobarin/beatsync/internal/models"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIService rewrites shot prompts into richer scene descriptions. It only ever
// touches prompt text; shot timing is fixed by the planner.
type OpenAIService struct {
	client *openai.Client
	model  string
	log    logrus.FieldLogger
}

func NewOpenAIService(apiKey, model string, log logrus.FieldLogger) *OpenAIService {
	return newOpenAIService(openai.DefaultConfig(apiKey), model, log)
}

func newOpenAIService(cfg openai.ClientConfig, model string, log logrus.FieldLogger) *OpenAIService {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIService{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		log:    logging.Component(log, "openai"),
	}
}

type enhancedShot struct {
	Index  int    `json:"index"`
	Prompt string `json:"prompt"`
}

type enhanceResponse struct {
	Shots []enhancedShot `json:"shots"`
}

// EnhancePrompts returns rewritten prompts keyed by shot index. Shots the model skipped
// or answered with an empty prompt are absent from the map.
func (s *OpenAIService) EnhancePrompts(ctx context.Context, theme string, shots []models.ShotDescriptor) (map[int]string, error) {
	if len(shots) == 0 {
		return map[int]string{}, nil
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: enhanceSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildEnhanceUserPrompt(theme, shots)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	raw := resp.Choices[0].Message.Content
	var parsed enhanceResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		s.log.Warnf("[OpenAI] Unparseable enhancement response: %s", truncateString(raw, 500))
		return nil, fmt.Errorf("failed to parse enhanced prompts: %w", err)
	}

	known := make(map[int]bool, len(shots))
	for _, shot := range shots {
		known[shot.Index] = true
	}
	out := make(map[int]string, len(parsed.Shots))
	for _, e := range parsed.Shots {
		p := strings.TrimSpace(e.Prompt)
		if !known[e.Index] || p == "" {
			continue
		}
		out[e.Index] = p
	}
	s.log.Infof("[OpenAI] Enhanced %d/%d prompts", len(out), len(shots))
	return out, nil
}

const enhanceSystemPrompt = `You are a music video director writing prompts for a text-to-video model.
For each shot you receive, rewrite its prompt into one vivid, concrete scene description of at most 60 words.
Keep the theme, section mood, camera move and style cues of the original prompt. Keep a single clear human subject with coherent anatomy.
Never mention timing, beats, durations or shot numbers.
Respond with JSON only: {"shots": [{"index": <shot index>, "prompt": "<rewritten prompt>"}]}`

func buildEnhanceUserPrompt(theme string, shots []models.ShotDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Theme: %s\n\nShots:\n", theme)
	for _, shot := range shots {
		fmt.Fprintf(&b, "- index %d (%s, %s): %s\n", shot.Index, shot.SectionLabel, shot.Position, shot.Prompt)
	}
	return b.String()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
