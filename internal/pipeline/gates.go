package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"jobgate/internal/config"
	"jobgate/internal/domain"
)

// Verdict is what a gate returns; the runner stamps gate name, owner and time.
type Verdict struct {
	Status   string
	Reasons  []string
	Evidence map[string]any
}

type Gate interface {
	Name() string
	Evaluate(ctx context.Context, plan domain.Plan) (Verdict, error)
}

// GateFunc adapts a function to a Gate.
type GateFunc struct {
	GateName string
	Fn       func(ctx context.Context, plan domain.Plan) (Verdict, error)
}

func (g GateFunc) Name() string { return g.GateName }

func (g GateFunc) Evaluate(ctx context.Context, plan domain.Plan) (Verdict, error) {
	return g.Fn(ctx, plan)
}

var (
	forbiddenTerms = []string{
		"csam", "child sexual", "make a bomb", "credit card dump", "ransomware",
		"exploit zero-day", "assassinate", "build a gun", "fentanyl synthesis",
	}
	warningTerms   = []string{"extreme gore", "sexual content", "nudity", "graphic violence"}
	secretMarkers  = []string{"API_KEY=", "BEGIN PRIVATE KEY"}
	defaultPerfPct = 10.0
)

// NewGates builds the configured gates in canonical order regardless of listing order.
func NewGates(cfg config.PipelineConfig) ([]Gate, error) {
	enabled := map[string]bool{}
	names := cfg.Gates
	if len(names) == 0 {
		names = config.KnownGates
	}
	for _, n := range names {
		enabled[n] = true
	}
	threshold := cfg.PerfRegressionPct
	if threshold <= 0 {
		threshold = defaultPerfPct
	}
	mode := cfg.SafetyMode
	if mode == "" {
		mode = "strict"
	}
	all := map[string]Gate{
		"build":      buildGate{},
		"safety":     safetyGate{Mode: mode},
		"security":   securityGate{},
		"legal":      legalGate{Terms: cfg.ProtectedTerms},
		"business":   businessGate{},
		"perf":       perfGate{Threshold: threshold},
		"resilience": resilienceGate{},
	}
	var gates []Gate
	for _, n := range config.KnownGates {
		if enabled[n] {
			gates = append(gates, all[n])
			delete(enabled, n)
		}
	}
	if len(enabled) > 0 {
		var unknown []string
		for n := range enabled {
			unknown = append(unknown, n)
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown gates: %s", strings.Join(unknown, ","))
	}
	return gates, nil
}

// bundleText flattens the intent and task results to JSON text.
func bundleText(plan domain.Plan) (string, error) {
	b, err := json.Marshal(ArtifactBundle(plan))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ArtifactBundle is the subset of a plan the content gates inspect.
func ArtifactBundle(plan domain.Plan) map[string]any {
	results := make([]any, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		results = append(results, map[string]any{"task": t.Name, "tool": t.Tool, "status": t.Status, "result": t.Result})
	}
	return map[string]any{
		"intent":  plan.Intent,
		"results": results,
	}
}

type buildGate struct{}

func (buildGate) Name() string { return "build" }

func (buildGate) Evaluate(_ context.Context, plan domain.Plan) (Verdict, error) {
	var errored []string
	for _, t := range plan.Tasks {
		if t.Status == domain.TaskError {
			errored = append(errored, fmt.Sprintf("task %s failed: %s", t.Name, t.Error))
		}
	}
	ev := map[string]any{"tasks": len(plan.Tasks), "errored": len(errored)}
	if len(errored) > 0 {
		return Verdict{Status: domain.GateFail, Reasons: errored, Evidence: ev}, nil
	}
	return Verdict{Status: domain.GatePass, Reasons: []string{"all tasks completed"}, Evidence: ev}, nil
}

// safetyGate modes: strict holds on warnings, standard reports them, relaxed ignores them.
// Forbidden terms fail in every mode.
type safetyGate struct {
	Mode string
}

func (safetyGate) Name() string { return "safety" }

func (g safetyGate) Evaluate(_ context.Context, plan domain.Plan) (Verdict, error) {
	text, err := bundleText(plan)
	if err != nil {
		return Verdict{}, err
	}
	lowered := strings.ToLower(text)
	var reasons, found, warned []string
	for _, bad := range forbiddenTerms {
		if strings.Contains(lowered, bad) {
			reasons = append(reasons, fmt.Sprintf("forbidden content detected: '%s'", bad))
			found = append(found, bad)
		}
	}
	if g.Mode != "relaxed" {
		for _, w := range warningTerms {
			if strings.Contains(lowered, w) {
				reasons = append(reasons, fmt.Sprintf("warning: '%s' present", w))
				warned = append(warned, w)
			}
		}
	}
	ev := map[string]any{"mode": g.Mode, "forbidden": found, "warnings": warned}
	switch {
	case len(found) > 0:
		return Verdict{Status: domain.GateFail, Reasons: reasons, Evidence: ev}, nil
	case len(warned) > 0 && g.Mode == "strict":
		return Verdict{Status: domain.GateHold, Reasons: reasons, Evidence: ev}, nil
	case len(reasons) > 0:
		return Verdict{Status: domain.GatePass, Reasons: reasons, Evidence: ev}, nil
	}
	return Verdict{Status: domain.GatePass, Reasons: []string{"no policy violations"}, Evidence: ev}, nil
}

type securityGate struct{}

func (securityGate) Name() string { return "security" }

func (securityGate) Evaluate(_ context.Context, plan domain.Plan) (Verdict, error) {
	text, err := bundleText(plan)
	if err != nil {
		return Verdict{}, err
	}
	var reasons []string
	for _, m := range secretMarkers {
		if strings.Contains(text, m) {
			reasons = append(reasons, fmt.Sprintf("secret material detected: %s", m))
		}
	}
	ev := map[string]any{"scanned_bytes": len(text)}
	if len(reasons) > 0 {
		return Verdict{Status: domain.GateFail, Reasons: reasons, Evidence: ev}, nil
	}
	return Verdict{Status: domain.GatePass, Reasons: []string{"no secrets found"}, Evidence: ev}, nil
}

type legalGate struct {
	Terms []string
}

func (legalGate) Name() string { return "legal" }

func (g legalGate) Evaluate(_ context.Context, plan domain.Plan) (Verdict, error) {
	text := strings.ToLower(plan.Intent.Title + " " + plan.Intent.Description)
	var hits []string
	for _, term := range g.Terms {
		if term != "" && strings.Contains(text, strings.ToLower(term)) {
			hits = append(hits, term)
		}
	}
	ev := map[string]any{"protected_terms": hits}
	if len(hits) > 0 {
		return Verdict{Status: domain.GateHold, Reasons: []string{"legal review required"}, Evidence: ev}, nil
	}
	return Verdict{Status: domain.GatePass, Reasons: []string{"no protected terms"}, Evidence: ev}, nil
}

type businessGate struct{}

func (businessGate) Name() string { return "business" }

func (businessGate) Evaluate(_ context.Context, plan domain.Plan) (Verdict, error) {
	n := len([]rune(plan.Intent.Description))
	ev := map[string]any{"description_length": n}
	if n < 10 {
		return Verdict{Status: domain.GateHold, Reasons: []string{"insufficient business rationale"}, Evidence: ev}, nil
	}
	return Verdict{Status: domain.GatePass, Reasons: []string{"business rationale present"}, Evidence: ev}, nil
}

type perfGate struct {
	Threshold float64
}

func (perfGate) Name() string { return "perf" }

func (g perfGate) Evaluate(_ context.Context, plan domain.Plan) (Verdict, error) {
	var reasons []string
	worst := 0.0
	for _, t := range plan.Tasks {
		v, ok := t.Result["regression_pct"]
		if !ok {
			continue
		}
		pct, ok := toFloat(v)
		if !ok {
			return Verdict{}, fmt.Errorf("task %s regression_pct is not numeric", t.Name)
		}
		if pct > worst {
			worst = pct
		}
		if pct > g.Threshold {
			reasons = append(reasons, fmt.Sprintf("task %s regressed %.1f%% (limit %.1f%%)", t.Name, pct, g.Threshold))
		}
	}
	ev := map[string]any{"threshold_pct": g.Threshold, "worst_pct": worst}
	if len(reasons) > 0 {
		return Verdict{Status: domain.GateFail, Reasons: reasons, Evidence: ev}, nil
	}
	return Verdict{Status: domain.GatePass, Reasons: []string{"no hot path regressions"}, Evidence: ev}, nil
}

type resilienceGate struct{}

func (resilienceGate) Name() string { return "resilience" }

func (resilienceGate) Evaluate(_ context.Context, plan domain.Plan) (Verdict, error) {
	var reasons []string
	for _, t := range plan.Tasks {
		if v, ok := t.Result["resilient"].(bool); ok && !v {
			reasons = append(reasons, fmt.Sprintf("task %s is not resilient", t.Name))
		}
	}
	ev := map[string]any{"checks": []string{"fuzz", "injection"}}
	if len(reasons) > 0 {
		return Verdict{Status: domain.GateFail, Reasons: reasons, Evidence: ev}, nil
	}
	return Verdict{Status: domain.GatePass, Reasons: []string{"fuzz and injection checks passed"}, Evidence: ev}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
