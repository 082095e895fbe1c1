package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"taskpilot/internal/domain"
)

// Gemini implements Classifier, Extractor and Scorer against the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

// NewGemini creates a Gemini oracle client.
func NewGemini(ctx context.Context, apiKey, model string, log *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if log == nil {
		log = zap.NewNop()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, model: model, log: log}, nil
}

// Generate runs one plain text completion. All higher-level oracle calls
// funnel through here so unavailability is reported uniformly.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		g.log.Warn("gemini call failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("%w: empty response", ErrUnavailable)
	}
	return text, nil
}

const classifyPrompt = `You route chat messages for a project coordination bot.
Classify the user message into exactly one of these intents:
register, register_skills, update_skills, create_project, join_project,
create_task, update_task, terminate_project, list_projects, list_tasks,
premium, help.
Answer with the intent name only, lowercase, nothing else.

Message: %s`

func (g *Gemini) Classify(ctx context.Context, text string) (string, error) {
	out, err := g.Generate(ctx, fmt.Sprintf(classifyPrompt, text))
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(out)), nil
}

const extractPrompt = `Extract the parameters for the %q action from the user
message below. Answer with a single JSON object and nothing else. Use these
keys when the message states them, and omit keys the message does not state:
%s

Message: %s`

var extractKeys = map[string]string{
	"create_project": `"name", "description"`,
	"create_task":    `"custom_id", "name", "description", "deadline" (format 2006-01-02 15:04)`,
}

func (g *Gemini) Extract(ctx context.Context, intent, text string) (Fields, error) {
	keys, ok := extractKeys[intent]
	if !ok {
		return nil, fmt.Errorf("%w: no extraction schema for intent %s", ErrUnparsable, intent)
	}
	out, err := g.Generate(ctx, fmt.Sprintf(extractPrompt, intent, keys, text))
	if err != nil {
		return nil, err
	}
	out = stripFences(out)
	var fields Fields
	if err := json.Unmarshal([]byte(out), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	return fields, nil
}

const scorePrompt = `TASK:
Title: %s
Description: %s

AVAILABLE MEMBERS:
%s
Instructions: choose the member whose skills best match this task and answer
with their id only, nothing else.`

func (g *Gemini) Score(ctx context.Context, taskName, taskDesc string, candidates map[string][]domain.Skill) (string, error) {
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		parts := make([]string, 0, len(candidates[id]))
		for _, s := range candidates[id] {
			parts = append(parts, s.Key+":"+s.Value)
		}
		fmt.Fprintf(&b, "- %s: %s\n", id, strings.Join(parts, ", "))
	}
	out, err := g.Generate(ctx, fmt.Sprintf(scorePrompt, taskName, taskDesc, b.String()))
	if err != nil {
		return "", err
	}
	return parseCandidate(out, candidates)
}

var intPattern = regexp.MustCompile(`-?\d+`)

// parseCandidate accepts only an answer naming one offered candidate: the
// whole trimmed answer, or the first integer token in it. Anything else is
// ErrUnparsable; the caller decides what failure means, never this layer.
func parseCandidate(answer string, candidates map[string][]domain.Skill) (string, error) {
	trimmed := strings.TrimSpace(answer)
	if _, ok := candidates[trimmed]; ok {
		return trimmed, nil
	}
	if m := intPattern.FindString(trimmed); m != "" {
		if _, ok := candidates[m]; ok {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: answer %q names no candidate", ErrUnparsable, trimmed)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
