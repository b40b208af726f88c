package policy

import (
	"context"

	"dnsgate/pkg/driver"
)

// Verdict is the pipeline-facing outcome of a policy decision.
type Verdict int

const (
	// VerdictNone means no policy matched; resolution proceeds
	VerdictNone Verdict = iota

	// VerdictAllow means the allowlist (or an allow rule) matched;
	// resolution proceeds and the denylist is skipped
	VerdictAllow

	// VerdictBlock means the query is denied
	VerdictBlock
)

// Decision carries the verdict plus what produced it.
type Decision struct {
	Verdict Verdict
	Rule    string
	Entry   *driver.PolicyEntry
}

// Whitelisted reports whether the allowlist produced the verdict.
func (d Decision) Whitelisted() bool {
	return d.Verdict == VerdictAllow
}

// Blocked reports whether the query is denied.
func (d Decision) Blocked() bool {
	return d.Verdict == VerdictBlock
}

// Decider combines expression rules with the allow and deny matchers.
type Decider struct {
	Allow *Matcher
	Deny  *Matcher
	Rules *Engine
}

// Decide applies policy in order: expression rules first, then the
// allowlist (when allowlist mode is on, a hit short-circuits the
// denylist), then the denylist.
func (d *Decider) Decide(ctx context.Context, in RuleInput, allowlistEnabled bool) Decision {
	if d.Rules != nil {
		if rule, ok := d.Rules.Evaluate(in); ok {
			switch rule.Action {
			case ActionAllow:
				return Decision{Verdict: VerdictAllow, Rule: rule.Name}
			case ActionBlock:
				return Decision{Verdict: VerdictBlock, Rule: rule.Name}
			}
		}
	}

	if allowlistEnabled && d.Allow != nil {
		if entry, ok := d.Allow.Match(ctx, in.Domain); ok {
			return Decision{Verdict: VerdictAllow, Entry: entry}
		}
	}

	if d.Deny != nil {
		if entry, ok := d.Deny.Match(ctx, in.Domain); ok {
			return Decision{Verdict: VerdictBlock, Entry: entry}
		}
	}

	return Decision{Verdict: VerdictNone}
}
