package interpreter

import (
	"context"
	"regexp"
	"strings"

	"github.com/duetflow/duetflow/pkg/protocol"
)

// KeywordNLU is the rule-based fallback used when no external NLU engine
// is configured. It recognizes the intent table through keyword matching
// and extracts entities with small patterns; anything it cannot place gets
// zero confidence so the interpreter asks for clarification.
type KeywordNLU struct{}

func NewKeywordNLU() *KeywordNLU {
	return &KeywordNLU{}
}

var setVariablePattern = regexp.MustCompile(`set\s+(\w+)\s+(?:to|=)\s+(.+)`)

var keywordIntents = []struct {
	intent   string
	keywords []string
}{
	{"start", []string{"start", "begin", "kick off", "launch"}},
	{"pause", []string{"pause", "hold on", "wait"}},
	{"resume", []string{"resume", "continue", "keep going", "go on"}},
	{"cancel", []string{"cancel", "abort", "stop the run"}},
	{"status", []string{"status", "where are we", "what's happening", "progress"}},
	{"explain-step", []string{"explain", "what is this step", "what does"}},
	{"switch-mode", []string{"switch", "mode"}},
	{"skip", []string{"skip"}},
	{"retry", []string{"retry", "try again"}},
}

func (n *KeywordNLU) ParseUtterance(ctx context.Context, text string, uctx protocol.UtteranceContext) (*protocol.Intent, error) {
	lowered := strings.ToLower(strings.TrimSpace(text))

	if match := setVariablePattern.FindStringSubmatch(lowered); match != nil {
		return &protocol.Intent{
			Name:       "set-variable",
			Confidence: 0.9,
			Entities:   map[string]any{"name": match[1], "value": strings.TrimSpace(match[2])},
		}, nil
	}

	for _, entry := range keywordIntents {
		for _, keyword := range entry.keywords {
			if !strings.Contains(lowered, keyword) {
				continue
			}

			intent := &protocol.Intent{
				Name:       entry.intent,
				Confidence: 0.9,
				Entities:   map[string]any{},
			}

			if entry.intent == "switch-mode" {
				for _, mode := range []string{"visual", "conversational", "hybrid"} {
					if strings.Contains(lowered, mode) {
						intent.Entities["mode"] = mode
					}
				}
			}

			return intent, nil
		}
	}

	return &protocol.Intent{Name: "unknown", Confidence: 0}, nil
}
