package pipeline

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"jobgate/internal/config"
	"jobgate/internal/domain"
)

// Planner turns an intent into tasks using keyword rules.
type Planner struct {
	Rules []config.PlannerRule
}

var defaultRules = []config.PlannerRule{{
	Keywords: []string{"build", "app", "unreal", "hollywood", "web", "api"},
	Tool:     "app_builder",
	Name:     "Generate application scaffold",
	Expected: "Working scaffold + endpoints",
}}

func NewPlanner(rules []config.PlannerRule) Planner {
	if len(rules) == 0 {
		rules = defaultRules
	}
	return Planner{Rules: rules}
}

// MakePlan builds a plan in stage plan. A plan with zero tasks is valid.
func (p Planner) MakePlan(title, description, priority string, now time.Time) domain.Plan {
	if priority == "" {
		priority = domain.PriorityMedium
	}
	text := strings.ToLower(title + " " + description)
	tasks := []domain.Task{}
	for _, rule := range p.Rules {
		if !matchesAny(text, rule.Keywords) {
			continue
		}
		name := rule.Name
		if name == "" {
			name = rule.Tool
		}
		tasks = append(tasks, domain.Task{
			ID:       uuid.NewString(),
			Name:     name,
			Tool:     rule.Tool,
			Inputs:   map[string]any{"idea": description},
			Expected: rule.Expected,
			Status:   domain.TaskQueued,
		})
	}
	ts := domain.FormatTime(now)
	return domain.Plan{
		ID: uuid.NewString(),
		Intent: domain.Intent{
			ID:          uuid.NewString(),
			Title:       title,
			Description: description,
			Priority:    priority,
		},
		Tasks:     tasks,
		Stage:     domain.StagePlan,
		Evidence:  map[string]any{},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func matchesAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(text, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// ValidPriority reports whether p is an accepted intent priority.
func ValidPriority(p string) bool {
	switch p {
	case "", domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityUrgent:
		return true
	}
	return false
}
