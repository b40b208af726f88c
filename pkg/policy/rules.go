package policy

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Action is the outcome a rule requests.
type Action string

const (
	ActionBlock Action = "block"
	ActionAllow Action = "allow"
)

// RuleInput is the environment a rule expression sees.
type RuleInput struct {
	Domain string `expr:"domain"`
	Type   string `expr:"type"`
	Client string `expr:"client"`
}

// Rule is one compiled expression rule.
type Rule struct {
	Name    string
	Action  Action
	program *vm.Program
}

// Engine evaluates expression rules in order; the first matching rule
// wins.
type Engine struct {
	rules []*Rule
}

// NewEngine creates an empty rule engine.
func NewEngine() *Engine {
	return &Engine{}
}

// AddRule compiles and appends a rule. Expressions must evaluate to a
// boolean over {domain, type, client}.
func (e *Engine) AddRule(name, expression string, action Action) error {
	if action != ActionBlock && action != ActionAllow {
		return fmt.Errorf("rule %q: unknown action %q", name, action)
	}

	program, err := expr.Compile(expression, expr.Env(RuleInput{}), expr.AsBool())
	if err != nil {
		return fmt.Errorf("rule %q: failed to compile: %w", name, err)
	}

	e.rules = append(e.rules, &Rule{Name: name, Action: action, program: program})
	return nil
}

// Len reports the number of loaded rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

// Evaluate runs the rules in order and returns the first match. A
// rule that fails at runtime is skipped.
func (e *Engine) Evaluate(in RuleInput) (*Rule, bool) {
	for _, rule := range e.rules {
		out, err := expr.Run(rule.program, in)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return rule, true
		}
	}
	return nil, false
}
