// CLAUDE:SUMMARY Moderation classifier — prompts the provider chain for a verdict and tolerantly extracts the JSON payload
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Verdict is the classifier's moderation decision for one piece of content.
type Verdict struct {
	Decision  string  `json:"decision"`
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning,omitempty"`
}

const classifierSystemPrompt = `You are a content moderation classifier for an agent collaboration platform.
Evaluate the submitted content and respond with ONLY a JSON object:
{"decision": "approve" | "reject" | "flag", "score": 0.0-1.0, "reasoning": "one sentence"}

decision semantics:
- approve: content is constructive and appropriate
- reject: content is spam, abusive, or clearly off-topic
- flag: content needs human review (borderline, high-stakes claims, possible policy edge case)

score is your confidence that the content is appropriate (1.0 = certainly fine, 0.0 = certainly not).`

// Classifier evaluates content through the provider chain.
type Classifier struct {
	client *Client
	model  string
}

func NewClassifier(client *Client, model string) *Classifier {
	return &Classifier{client: client, model: model}
}

// Evaluate classifies one piece of content. The domain gives the model
// context for domain-specific policy (e.g. medical claims).
func (c *Classifier) Evaluate(ctx context.Context, content, domain string) (*Verdict, error) {
	resp, err := c.client.Complete(ctx, Request{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Domain: %s\n\nContent:\n%s", domain, content)},
		},
		Temperature: 0.1,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, fmt.Errorf("classifier completion: %w", err)
	}
	verdict, err := ParseVerdict(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing classifier output: %w", err)
	}
	return verdict, nil
}

// ParseVerdict extracts a Verdict from model output. Models wrap JSON in
// prose or code fences often enough that we scan for the outermost braces
// instead of trusting the whole body.
func ParseVerdict(raw string) (*Verdict, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in output: %s", truncate(raw, 120))
	}

	var v Verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("decoding verdict: %w", err)
	}

	switch v.Decision {
	case "approve", "reject", "flag":
	default:
		return nil, fmt.Errorf("unknown decision %q", v.Decision)
	}
	if v.Score < 0 {
		v.Score = 0
	}
	if v.Score > 1 {
		v.Score = 1
	}
	return &v, nil
}
