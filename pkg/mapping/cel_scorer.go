package mapping

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/trailproof/core/pkg/contracts"
)

// Rule is one weighted CEL predicate contributing confidence toward a
// control. The expression sees three variables: artifact_type and title as
// strings, payload as a map.
type Rule struct {
	ControlID string
	Weight    float64
	Expr      string
	Rationale string
}

// CELScorer is the built-in rule scorer. It satisfies the same Scorer
// contract as an AI-backed implementation, so the engine cannot tell them
// apart.
type CELScorer struct {
	rules []compiledRule
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// NewCELScorer compiles the rule set. A rule that fails to compile is a
// configuration error surfaced immediately, not at scoring time.
func NewCELScorer(rules []Rule) (*CELScorer, error) {
	env, err := cel.NewEnv(
		cel.Variable("artifact_type", cel.StringType),
		cel.Variable("title", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build CEL env: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		ast, iss := env.Compile(r.Expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("rule for %s does not compile: %w", r.ControlID, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule for %s does not plan: %w", r.ControlID, err)
		}
		compiled = append(compiled, compiledRule{rule: r, program: prg})
	}
	return &CELScorer{rules: compiled}, nil
}

// Suggest sums the weights of matching rules per control, capped at 1.0.
func (s *CELScorer) Suggest(ctx context.Context, artifact *contracts.EvidenceArtifact) ([]Suggestion, error) {
	payload := artifact.RawPayload
	if payload == nil {
		payload = map[string]any{}
	}
	input := map[string]any{
		"artifact_type": string(artifact.ArtifactType),
		"title":         strings.ToLower(artifact.Title),
		"payload":       payload,
	}

	confidence := make(map[string]float64)
	rationales := make(map[string][]string)
	for _, cr := range s.rules {
		out, _, err := cr.program.Eval(input)
		if err != nil {
			// A rule that cannot evaluate against this payload simply
			// does not match; other rules still apply.
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		confidence[cr.rule.ControlID] += cr.rule.Weight
		rationales[cr.rule.ControlID] = append(rationales[cr.rule.ControlID], cr.rule.Rationale)
	}

	suggestions := make([]Suggestion, 0, len(confidence))
	for controlID, score := range confidence {
		if score > 1.0 {
			score = 1.0
		}
		suggestions = append(suggestions, Suggestion{
			ControlID:  controlID,
			Confidence: score,
			Rationale:  strings.Join(rationales[controlID], "; "),
		})
	}
	return suggestions, nil
}

// DefaultRules covers the change-management control family. Operators extend
// or replace these per framework.
func DefaultRules() []Rule {
	return []Rule{
		{
			ControlID: "CC7.1",
			Weight:    0.4,
			Expr:      `artifact_type == "pull_request" || artifact_type == "jira_issue"`,
			Rationale: "artifact type matches change management evidence",
		},
		{
			ControlID: "CC7.1",
			Weight:    0.3,
			Expr:      `title.contains("change") || title.contains("release") || title.contains("deploy")`,
			Rationale: "title references a change or release",
		},
		{
			ControlID: "CC7.1",
			Weight:    0.2,
			Expr:      `artifact_type == "pull_request" && "merged" in payload && payload["merged"] == true`,
			Rationale: "pull request was merged (completed change)",
		},
		{
			ControlID: "CC7.2",
			Weight:    0.5,
			Expr:      `artifact_type == "pull_request" && "reviewers" in payload && size(payload["reviewers"]) > 0`,
			Rationale: "pull request has reviewers assigned",
		},
		{
			ControlID: "CC7.2",
			Weight:    0.3,
			Expr:      `title.contains("test") || title.contains("review") || title.contains("qa")`,
			Rationale: "title references testing or review",
		},
		{
			ControlID: "CC7.3",
			Weight:    0.5,
			Expr:      `artifact_type == "jira_issue" && "changelog" in payload`,
			Rationale: "issue has status change history",
		},
		{
			ControlID: "CC7.3",
			Weight:    0.3,
			Expr:      `title.contains("approved") || title.contains("approval") || title.contains("authorized")`,
			Rationale: "title references an approval",
		},
	}
}
