package parser

import (
	"strings"
	"testing"
)

func parseProgram(t *testing.T, input string) *Program {
	t.Helper()
	program, err := Parse(input)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return program
}

func TestTopLevelStatementCount(t *testing.T) {
	input := `
scenario warmup {
	node api { delay 100ms }
}
node db { crash }
partition app=frontend from app=backend
link api -> db { loss 10% }
if (error_rate > 0.5) { node api { restart } }
for (i in 1..3) { node api { crash } }
`
	program := parseProgram(t, input)
	if len(program.Statements) != 6 {
		t.Fatalf("expected 6 top-level statements, got %d", len(program.Statements))
	}
}

func TestParseScenario(t *testing.T) {
	program := parseProgram(t, `scenario db_outage {
	node db { crash }
	node cache { restart }
}`)

	scenario, ok := program.Statements[0].(*Scenario)
	if !ok {
		t.Fatalf("expected *Scenario, got %T", program.Statements[0])
	}
	if scenario.Name != "db_outage" {
		t.Errorf("expected scenario name db_outage, got %q", scenario.Name)
	}
	if len(scenario.Statements) != 2 {
		t.Fatalf("expected 2 nested statements, got %d", len(scenario.Statements))
	}
}

func TestParseNodeStatement(t *testing.T) {
	program := parseProgram(t, `node api { delay 100ms jitter 20ms loss 5% crash restart }`)

	node, ok := program.Statements[0].(*NodeStatement)
	if !ok {
		t.Fatalf("expected *NodeStatement, got %T", program.Statements[0])
	}
	if node.Service != "api" {
		t.Errorf("expected service api, got %q", node.Service)
	}
	if len(node.Actions) != 4 {
		t.Fatalf("expected 4 actions, got %d", len(node.Actions))
	}

	delay, ok := node.Actions[0].(*DelayAction)
	if !ok {
		t.Fatalf("expected *DelayAction, got %T", node.Actions[0])
	}
	if delay.Duration.Value != 100 || delay.Duration.Unit != "ms" {
		t.Errorf("expected delay 100ms, got %v", delay.Duration)
	}
	if delay.Jitter == nil || delay.Jitter.Value != 20 || delay.Jitter.Unit != "ms" {
		t.Errorf("expected jitter 20ms, got %v", delay.Jitter)
	}

	loss, ok := node.Actions[1].(*LossAction)
	if !ok {
		t.Fatalf("expected *LossAction, got %T", node.Actions[1])
	}
	if loss.Percentage != 5 {
		t.Errorf("expected loss 5%%, got %g", loss.Percentage)
	}

	if _, ok := node.Actions[2].(*CrashAction); !ok {
		t.Errorf("expected *CrashAction, got %T", node.Actions[2])
	}
	if _, ok := node.Actions[3].(*RestartAction); !ok {
		t.Errorf("expected *RestartAction, got %T", node.Actions[3])
	}
}

func TestParsePartitionStatement(t *testing.T) {
	program := parseProgram(t, `partition app=frontend tier=web from app=backend duration 30s`)

	partition, ok := program.Statements[0].(*PartitionStatement)
	if !ok {
		t.Fatalf("expected *PartitionStatement, got %T", program.Statements[0])
	}
	if len(partition.From.Pairs) != 2 {
		t.Fatalf("expected 2 from pairs, got %d", len(partition.From.Pairs))
	}
	if partition.From.Pairs[1].Key != "tier" || partition.From.Pairs[1].Value != "web" {
		t.Errorf("unexpected from pair: %+v", partition.From.Pairs[1])
	}
	if len(partition.To.Pairs) != 1 {
		t.Fatalf("expected 1 to pair, got %d", len(partition.To.Pairs))
	}
	if partition.Duration == nil || partition.Duration.Seconds() != 30 {
		t.Errorf("expected 30s duration, got %v", partition.Duration)
	}
}

func TestParsePartitionWithoutDuration(t *testing.T) {
	program := parseProgram(t, `partition app=a from app=b`)

	partition := program.Statements[0].(*PartitionStatement)
	if partition.Duration != nil {
		t.Errorf("expected nil duration, got %v", partition.Duration)
	}
}

func TestFilterLabelsLastWins(t *testing.T) {
	program := parseProgram(t, `partition app=a app=b from tier=db`)

	partition := program.Statements[0].(*PartitionStatement)
	labels := partition.From.Labels()
	if labels["app"] != "b" {
		t.Errorf("expected duplicate key to resolve last-wins, got %q", labels["app"])
	}
}

func TestParseLinkStatement(t *testing.T) {
	program := parseProgram(t, `link api -> db {
	delay 50ms duration 10s
	loss 2.5%
	bandwidth 2mbps duration 1m
}`)

	link, ok := program.Statements[0].(*LinkStatement)
	if !ok {
		t.Fatalf("expected *LinkStatement, got %T", program.Statements[0])
	}
	if link.From != "api" || link.To != "db" {
		t.Errorf("expected api -> db, got %s -> %s", link.From, link.To)
	}
	if len(link.Actions) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(link.Actions))
	}

	delay := link.Actions[0].(*DelayAction)
	if delay.Window == nil || delay.Window.Seconds() != 10 {
		t.Errorf("expected delay window 10s, got %v", delay.Window)
	}

	loss := link.Actions[1].(*LossAction)
	if loss.Percentage != 2.5 {
		t.Errorf("expected loss 2.5%%, got %g", loss.Percentage)
	}
	if loss.Window != nil {
		t.Errorf("expected no loss window, got %v", loss.Window)
	}

	bw := link.Actions[2].(*BandwidthAction)
	if bw.Rate.Value != 2 || bw.Rate.Unit != "mbps" {
		t.Errorf("expected 2mbps, got %v", bw.Rate)
	}
	if bw.Window == nil || bw.Window.Seconds() != 60 {
		t.Errorf("expected bandwidth window 1m, got %v", bw.Window)
	}
}

func TestParseIfElse(t *testing.T) {
	program := parseProgram(t, `if (latency_p99 >= 250) {
	node api { restart }
} else {
	node api { crash }
}`)

	stmt, ok := program.Statements[0].(*IfStatement)
	if !ok {
		t.Fatalf("expected *IfStatement, got %T", program.Statements[0])
	}
	if stmt.Condition.Metric != "latency_p99" || stmt.Condition.Operator != ">=" || stmt.Condition.Number != 250 {
		t.Errorf("unexpected condition: %+v", stmt.Condition)
	}
	if len(stmt.Then) != 1 {
		t.Errorf("expected 1 then statement, got %d", len(stmt.Then))
	}
	if stmt.Else == nil || len(stmt.Else) != 1 {
		t.Errorf("expected 1 else statement, got %v", stmt.Else)
	}
}

func TestParseIfWithoutElse(t *testing.T) {
	program := parseProgram(t, `if (error_rate > 0.1) { node api { crash } }`)

	stmt := program.Statements[0].(*IfStatement)
	if stmt.Else != nil {
		t.Errorf("expected nil else branch, got %v", stmt.Else)
	}
}

func TestParseStringCondition(t *testing.T) {
	program := parseProgram(t, `if (health_status == "degraded") { node api { restart } }`)

	stmt := program.Statements[0].(*IfStatement)
	if !stmt.Condition.IsText || stmt.Condition.Text != "degraded" {
		t.Errorf("unexpected condition: %+v", stmt.Condition)
	}
}

func TestParseLoopStatement(t *testing.T) {
	program := parseProgram(t, `for (i in 1..3) {
	node api { crash }
	if (error_rate > 0.5) { node api { restart } }
}`)

	loop, ok := program.Statements[0].(*LoopStatement)
	if !ok {
		t.Fatalf("expected *LoopStatement, got %T", program.Statements[0])
	}
	if loop.Variable != "i" || loop.Start != 1 || loop.End != 3 {
		t.Errorf("unexpected loop header: %+v", loop)
	}
	if len(loop.Body) != 2 {
		t.Fatalf("expected 2 body statements, got %d", len(loop.Body))
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantMsg string
	}{
		{"unknown time unit", "node api { delay 100h }", "unknown time unit"},
		{"unknown rate unit", "link a -> b { bandwidth 5tbps }", "unknown rate unit"},
		{"empty node block", "node api { }", "at least one action"},
		{"empty filter", "partition from app=b", "label pair"},
		{"float loop bound", "for (i in 1.5..3) { }", "must be an integer"},
		{"missing arrow", "link a b { loss 1% }", "expected next token"},
		{"loss above 100", "node api { loss 150% }", "exceeds 100"},
		{"unterminated block", "node api { crash", "unexpected end of input"},
		{"stray token", "frobnicate", "expected a statement"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if err == nil {
				t.Fatalf("expected parse error for %q", tt.input)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected error containing %q, got %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestParseErrorLocation(t *testing.T) {
	_, err := Parse("node api {\n	delay 100h\n}")
	if err == nil {
		t.Fatal("expected parse error")
	}
	perr, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if perr.Line != 2 {
		t.Errorf("expected error on line 2, got line %d", perr.Line)
	}
}
