package flow

import (
	"context"
	"fmt"
	"strings"

	"taskpilot/internal/domain"
	"taskpilot/internal/session"
	"taskpilot/internal/transport"
)

// Skill keys answered with free text; the rest take a 1-5 proficiency score.
var freeTextSkills = map[string]bool{
	"language":  true,
	"framework": true,
	"database":  true,
}

func skillPrompt(flowName, key string) func(e *Engine, s *session.Session) transport.Message {
	return func(e *Engine, s *session.Session) transport.Message {
		if freeTextSkills[key] {
			return reply(s.OriginChat, fmt.Sprintf("What is your main %s?", key))
		}
		msg := transport.Message{
			Chat: s.OriginChat,
			Text: fmt.Sprintf("Rate your %s skills from 1 to 5.", key),
		}
		for i := 1; i <= 5; i++ {
			v := fmt.Sprintf("%d", i)
			msg.Choices = append(msg.Choices, transport.Choice{
				Label: v,
				Data:  transport.Callback{Flow: flowName, Owner: s.Principal, Field: key, Value: v}.Encode(),
			})
		}
		return msg
	}
}

// skillsFlow builds the private questionnaire over the skill catalogue. The
// register and update variants share the same step graph but are separate
// flows entered from separate intents.
func skillsFlow(name string) *Flow {
	steps := map[string]Step{}
	keys := domain.SkillKeys
	for i, key := range keys {
		key := key
		next := ""
		if i+1 < len(keys) {
			next = keys[i+1]
		}
		steps[key] = Step{
			ID:     key,
			Chat:   transport.ChatPrivate,
			Prompt: skillPrompt(name, key),
			Handle: func(ctx context.Context, e *Engine, s *session.Session, ev transport.Event, input string) (Next, error) {
				input = strings.TrimSpace(input)
				if input == "" {
					return Next{Invalid: "I need an answer for this one."}, nil
				}
				if !freeTextSkills[key] && !validScore(input) {
					return Next{Invalid: "Please pick a score between 1 and 5."}, nil
				}
				s.Answers[key] = input
				if next != "" {
					return Next{Step: next}, nil
				}
				for _, k := range keys {
					if v, ok := s.Answers[k]; ok {
						if err := e.Core.UpsertSkill(ctx, s.Principal, k, v); err != nil {
							return Next{}, err
						}
					}
				}
				return Next{Done: true, Messages: []transport.Message{
					reply(s.OriginChat, skillSummary(s.Answers)),
				}}, nil
			},
		}
	}
	return &Flow{
		Name:  name,
		Entry: keys[0],
		Chat:  transport.ChatPrivate,
		Steps: steps,
	}
}

func validScore(v string) bool {
	return len(v) == 1 && v[0] >= '1' && v[0] <= '5'
}

func skillSummary(answers map[string]string) string {
	var b strings.Builder
	b.WriteString("Your skill profile is saved:\n")
	for _, k := range domain.SkillKeys {
		if v, ok := answers[k]; ok {
			fmt.Fprintf(&b, "  %s: %s\n", k, v)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
