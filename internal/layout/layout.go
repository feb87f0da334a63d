// Package layout maps decoded trace events onto the roles the call-stack
// handlers need: which handler kind an event belongs to, whether it opens or
// closes a frame, its display name, and which field carries the thread id.
//
// The mapping is driven by expressions (github.com/expr-lang/expr) evaluated
// against the environment
//
//	name, category, phase  string
//	ts                     int
//	fields                 map[string]any
//
// so that new trace flavours can be supported from configuration alone.
package layout

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"gpucallstack/pkg/models"
)

// Layout resolves trace-format specific event roles.
type Layout interface {
	ThreadIDField() string
	Kind(ev *models.Event) string
	IsBegin(ev *models.Event) bool
	EventName(ev *models.Event) string
}

// KindRule assigns Kind to events for which When evaluates to true.
type KindRule struct {
	Kind string
	When string
}

// Config describes an expression layout.
type Config struct {
	ThreadIDField string
	Begin         string
	EventName     string
	Kinds         []KindRule
}

// DefaultConfig matches Chrome-style B/E events whose kind is inferred from
// the identifying field each event family carries.
func DefaultConfig() Config {
	return Config{
		ThreadIDField: "tid",
		Begin:         `phase in ["B", "b", "begin"]`,
		Kinds: []KindRule{
			{Kind: "memory_copy", When: `"copy_id" in fields`},
			{Kind: "memory_allocation", When: `"allocation_id" in fields`},
			{Kind: "api", When: `"region_id" in fields`},
		},
	}
}

type compiledRule struct {
	kind    string
	program *vm.Program
}

// ExprLayout is a Layout built from compiled expressions.
type ExprLayout struct {
	threadIDField string
	begin         *vm.Program
	eventName     *vm.Program
	kinds         []compiledRule
}

func exprEnv() map[string]interface{} {
	return map[string]interface{}{
		"name":     "",
		"category": "",
		"phase":    "",
		"ts":       int64(0),
		"fields":   map[string]interface{}{},
	}
}

// New compiles cfg. Empty settings fall back to DefaultConfig.
func New(cfg Config) (*ExprLayout, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.ThreadIDField) == "" {
		cfg.ThreadIDField = def.ThreadIDField
	}
	if strings.TrimSpace(cfg.Begin) == "" {
		cfg.Begin = def.Begin
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = def.Kinds
	}

	env := exprEnv()
	begin, err := expr.Compile(cfg.Begin, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile begin expression: %w", err)
	}

	var eventName *vm.Program
	if strings.TrimSpace(cfg.EventName) != "" {
		eventName, err = expr.Compile(cfg.EventName, expr.Env(env))
		if err != nil {
			return nil, fmt.Errorf("compile event_name expression: %w", err)
		}
	}

	kinds := make([]compiledRule, 0, len(cfg.Kinds))
	for i, rule := range cfg.Kinds {
		if strings.TrimSpace(rule.Kind) == "" {
			return nil, fmt.Errorf("kind rule %d has no kind", i+1)
		}
		program, err := expr.Compile(rule.When, expr.Env(env), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile kind rule %q: %w", rule.Kind, err)
		}
		kinds = append(kinds, compiledRule{kind: rule.Kind, program: program})
	}

	return &ExprLayout{
		threadIDField: cfg.ThreadIDField,
		begin:         begin,
		eventName:     eventName,
		kinds:         kinds,
	}, nil
}

// ThreadIDField returns the name of the field carrying the thread id.
func (l *ExprLayout) ThreadIDField() string {
	return l.threadIDField
}

// Kind returns the first matching rule's kind, or "" when none matches.
func (l *ExprLayout) Kind(ev *models.Event) string {
	env := envFor(ev)
	for _, rule := range l.kinds {
		if l.truthy(rule.program, env) {
			return rule.kind
		}
	}
	return ""
}

// IsBegin reports whether ev opens a frame.
func (l *ExprLayout) IsBegin(ev *models.Event) bool {
	return l.truthy(l.begin, envFor(ev))
}

// EventName returns the configured name expression's value, or ev.Name.
func (l *ExprLayout) EventName(ev *models.Event) string {
	if l.eventName == nil {
		return ev.Name
	}
	out, err := expr.Run(l.eventName, envFor(ev))
	if err != nil || out == nil {
		return ev.Name
	}
	return fmt.Sprint(out)
}

func (l *ExprLayout) truthy(program *vm.Program, env map[string]interface{}) bool {
	out, err := expr.Run(program, env)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

func envFor(ev *models.Event) map[string]interface{} {
	fields := ev.Fields
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return map[string]interface{}{
		"name":     ev.Name,
		"category": ev.Category,
		"phase":    ev.Phase,
		"ts":       ev.Timestamp,
		"fields":   fields,
	}
}
