// Package chaos interprets experiment programs: it walks the parsed
// tree, evaluates metric conditions, and hands each chaos statement to
// the configured backend.
package chaos

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/netchaos/netchaos/pkg/chaos/backend"
	"github.com/netchaos/netchaos/pkg/chaos/metrics"
	"github.com/netchaos/netchaos/pkg/chaos/parser"
)

// Engine executes a program sequentially against one backend. A
// statement that fails at runtime is logged and the walk continues;
// only context cancellation stops a run early.
type Engine struct {
	backend backend.Backend
	metrics metrics.Source
}

func NewEngine(b backend.Backend, m metrics.Source) *Engine {
	return &Engine{backend: b, metrics: m}
}

// Run executes every top-level statement in source order.
func (e *Engine) Run(ctx context.Context, program *parser.Program) error {
	for _, stmt := range program.Statements {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.execStatement(ctx, stmt)
	}
	return nil
}

func (e *Engine) execStatement(ctx context.Context, stmt parser.Statement) {
	if ctx.Err() != nil {
		return
	}
	switch s := stmt.(type) {
	case *parser.Scenario:
		klog.Infof("running scenario %q", s.Name)
		for _, inner := range s.Statements {
			e.applyChaos(ctx, inner)
		}
		klog.Infof("scenario %q complete", s.Name)
	case *parser.IfStatement:
		branch := s.Then
		if !e.evalCondition(ctx, s.Condition) {
			branch = s.Else
		}
		for _, inner := range branch {
			e.execStatement(ctx, inner)
		}
	case *parser.LoopStatement:
		for i := s.Start; i <= s.End; i++ {
			klog.V(1).Infof("loop %s: iteration %d of %d..%d", s.Variable, i, s.Start, s.End)
			for _, inner := range s.Body {
				e.execStatement(ctx, inner)
			}
		}
	case parser.ChaosStatement:
		e.applyChaos(ctx, s)
	default:
		klog.Errorf("interpreter: unhandled statement type %T", stmt)
	}
}

func (e *Engine) applyChaos(ctx context.Context, stmt parser.ChaosStatement) {
	if err := e.backend.Apply(ctx, stmt); err != nil {
		klog.Errorf("statement %q: %v", stmt.String(), err)
	}
}

// evalCondition queries the metric once and compares. Missing data or
// a malformed comparison evaluates to false, so a broken condition
// degrades to doing nothing rather than guessing. A string literal
// never equals a numeric sample: == is false and != is true whenever
// the metric has data; ordering operators on strings are diagnostics.
func (e *Engine) evalCondition(ctx context.Context, cond parser.Condition) bool {
	value, ok := e.metrics.Query(ctx, cond.Metric)
	if !ok {
		klog.Warningf("no data for metric %q, condition is false", cond.Metric)
		return false
	}
	if cond.IsText {
		switch cond.Operator {
		case "==":
			return false
		case "!=":
			return true
		default:
			klog.Errorf("condition %s orders a sample against a string literal, treating as false", cond.String())
			return false
		}
	}

	var result bool
	switch cond.Operator {
	case ">":
		result = value > cond.Number
	case "<":
		result = value < cond.Number
	case ">=":
		result = value >= cond.Number
	case "<=":
		result = value <= cond.Number
	case "==":
		result = value == cond.Number
	case "!=":
		result = value != cond.Number
	default:
		klog.Errorf("condition %s uses unknown operator %q, treating as false", cond.String(), cond.Operator)
		return false
	}
	klog.Infof("condition %s: %s is %g, branch taken: %t", cond.String(), cond.Metric, value, result)
	return result
}
