package parser

import (
	"bytes"
	"fmt"
	"strings"
)

// Node is implemented by every AST node. Nodes are pure data; the only
// behavior beyond rendering is unit normalization on Duration and Rate.
type Node interface {
	String() string
}

// Statement is the closed set of top-level constructs. The unexported
// marker method seals the set: a new variant cannot be added outside this
// package, and every dispatch switch keeps a loud default arm.
type Statement interface {
	Node
	statementNode()
}

// ChaosStatement is the closed set of fault-injecting statements handled
// by a backend.
type ChaosStatement interface {
	Statement
	chaosStatementNode()
}

// NodeAction is the closed set of actions allowed inside a node block.
type NodeAction interface {
	Node
	nodeActionNode()
}

// LinkAction is the closed set of actions allowed inside a link block.
type LinkAction interface {
	Node
	linkActionNode()
}

type Program struct {
	Statements []Statement
}

func (p *Program) String() string {
	var out bytes.Buffer
	for _, s := range p.Statements {
		out.WriteString(s.String())
		out.WriteString("\n")
	}
	return out.String()
}

// Scenario groups chaos statements under a name. The name is purely a
// logging construct; it carries no isolation semantics.
type Scenario struct {
	Name       string
	Statements []ChaosStatement
}

func (s *Scenario) statementNode() {}
func (s *Scenario) String() string {
	var out bytes.Buffer
	out.WriteString("scenario " + s.Name + " { ")
	for _, st := range s.Statements {
		out.WriteString(st.String())
		out.WriteString(" ")
	}
	out.WriteString("}")
	return out.String()
}

type IfStatement struct {
	Condition Condition
	Then      []Statement
	Else      []Statement // nil when no else branch was written
}

func (i *IfStatement) statementNode() {}
func (i *IfStatement) String() string {
	s := fmt.Sprintf("if (%s) { ... }", i.Condition.String())
	if i.Else != nil {
		s += " else { ... }"
	}
	return s
}

// LoopStatement runs its body once per integer in [Start, End]. The loop
// variable is bound for logging only; it is never substituted into body
// statements.
type LoopStatement struct {
	Variable string
	Start    int
	End      int
	Body     []Statement
}

func (l *LoopStatement) statementNode() {}
func (l *LoopStatement) String() string {
	return fmt.Sprintf("for (%s in %d..%d) { ... }", l.Variable, l.Start, l.End)
}

type NodeStatement struct {
	Service string
	Actions []NodeAction
}

func (n *NodeStatement) statementNode()      {}
func (n *NodeStatement) chaosStatementNode() {}
func (n *NodeStatement) String() string {
	var actions []string
	for _, a := range n.Actions {
		actions = append(actions, a.String())
	}
	return fmt.Sprintf("node %s { %s }", n.Service, strings.Join(actions, " "))
}

type PartitionStatement struct {
	From     Filter
	To       Filter
	Duration *Duration // nil means the partition stays until the final sweep
}

func (p *PartitionStatement) statementNode()      {}
func (p *PartitionStatement) chaosStatementNode() {}
func (p *PartitionStatement) String() string {
	s := fmt.Sprintf("partition %s from %s", p.From.String(), p.To.String())
	if p.Duration != nil {
		s += " duration " + p.Duration.String()
	}
	return s
}

type LinkStatement struct {
	From    string
	To      string
	Actions []LinkAction
}

func (l *LinkStatement) statementNode()      {}
func (l *LinkStatement) chaosStatementNode() {}
func (l *LinkStatement) String() string {
	var actions []string
	for _, a := range l.Actions {
		actions = append(actions, a.String())
	}
	return fmt.Sprintf("link %s -> %s { %s }", l.From, l.To, strings.Join(actions, " "))
}

// DelayAction injects latency. Window, when set by a trailing duration
// modifier on a link action, bounds how long the rule stays applied.
type DelayAction struct {
	Duration Duration
	Jitter   *Duration
	Window   *Duration
}

func (d *DelayAction) nodeActionNode() {}
func (d *DelayAction) linkActionNode() {}
func (d *DelayAction) String() string {
	s := "delay " + d.Duration.String()
	if d.Jitter != nil {
		s += " jitter " + d.Jitter.String()
	}
	return s
}

type LossAction struct {
	Percentage float64 // 0-100
	Window     *Duration
}

func (l *LossAction) nodeActionNode() {}
func (l *LossAction) linkActionNode() {}
func (l *LossAction) String() string {
	return fmt.Sprintf("loss %g%%", l.Percentage)
}

type CrashAction struct{}

func (c *CrashAction) nodeActionNode() {}
func (c *CrashAction) String() string  { return "crash" }

type RestartAction struct{}

func (r *RestartAction) nodeActionNode() {}
func (r *RestartAction) String() string  { return "restart" }

type BandwidthAction struct {
	Rate   Rate
	Window *Duration
}

func (b *BandwidthAction) linkActionNode() {}
func (b *BandwidthAction) String() string {
	return "bandwidth " + b.Rate.String()
}

// Condition compares an opaque metric query result against a literal.
type Condition struct {
	Metric   string
	Operator string
	Number   float64
	Text     string
	IsText   bool
}

func (c Condition) String() string {
	if c.IsText {
		return fmt.Sprintf("%s %s %q", c.Metric, c.Operator, c.Text)
	}
	return fmt.Sprintf("%s %s %g", c.Metric, c.Operator, c.Number)
}

type KeyValuePair struct {
	Key   string
	Value string
}

// Filter is a non-empty list of label pairs. Duplicate keys are allowed
// in source and resolve last-wins in Labels.
type Filter struct {
	Pairs []KeyValuePair
}

func (f Filter) String() string {
	var pairs []string
	for _, p := range f.Pairs {
		pairs = append(pairs, p.Key+"="+p.Value)
	}
	return strings.Join(pairs, " ")
}

// Labels converts the pair list to a label map, last-wins on duplicates.
func (f Filter) Labels() map[string]string {
	labels := make(map[string]string, len(f.Pairs))
	for _, p := range f.Pairs {
		labels[p.Key] = p.Value
	}
	return labels
}

// Duration is a numeric value with a time unit from {ms, s, m}.
type Duration struct {
	Value float64
	Unit  string
}

func (d Duration) String() string { return fmt.Sprintf("%g%s", d.Value, d.Unit) }

// Seconds normalizes the duration to seconds.
func (d Duration) Seconds() float64 {
	switch d.Unit {
	case "ms":
		return d.Value / 1000
	case "s":
		return d.Value
	case "m":
		return d.Value * 60
	}
	return d.Value
}

// Milliseconds normalizes the duration to whole milliseconds, the
// granularity netem accepts.
func (d Duration) Milliseconds() int {
	if d.Unit == "ms" {
		return int(d.Value)
	}
	return int(d.Seconds() * 1000)
}

// Rate is a numeric value with a bandwidth unit from {kbps, mbps, gbps}.
type Rate struct {
	Value float64
	Unit  string
}

func (r Rate) String() string { return fmt.Sprintf("%g%s", r.Value, r.Unit) }

// Kbps normalizes the rate to kilobits per second.
func (r Rate) Kbps() float64 {
	switch r.Unit {
	case "mbps":
		return r.Value * 1000
	case "gbps":
		return r.Value * 1000000
	}
	return r.Value
}
