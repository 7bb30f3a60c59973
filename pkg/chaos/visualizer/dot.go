// Package visualizer renders an experiment program as a Graphviz DOT
// graph: services become boxes, actions become labelled edges.
package visualizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/netchaos/netchaos/pkg/chaos/parser"
)

type edge struct {
	from, to, label, color, style string
}

type builder struct {
	clusters strings.Builder
	nodes    map[string]struct{}
	edges    []edge
}

// Dot renders the program. Node actions show as red dashed self-edges,
// partitions as blue bold edges between pod groups, link actions as
// green solid edges between services.
func Dot(program *parser.Program) string {
	b := &builder{nodes: map[string]struct{}{}}
	b.walk(program.Statements)

	var out strings.Builder
	out.WriteString("digraph ChaosScenario {\n")
	out.WriteString("  rankdir=LR;\n")
	out.WriteString("  node [shape=box];\n")
	out.WriteString(b.clusters.String())

	names := make([]string, 0, len(b.nodes))
	for name := range b.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&out, "  %q [label=%q];\n", name, name)
	}
	for _, e := range b.edges {
		fmt.Fprintf(&out, "  %q -> %q [label=%q color=%q style=%q];\n",
			e.from, e.to, e.label, e.color, e.style)
	}
	out.WriteString("}\n")
	return out.String()
}

func (b *builder) walk(statements []parser.Statement) {
	for _, stmt := range statements {
		switch s := stmt.(type) {
		case *parser.Scenario:
			fmt.Fprintf(&b.clusters, "  subgraph %q {\n    label=%q;\n", "cluster_"+s.Name, s.Name)
			for _, inner := range s.Statements {
				b.mapChaos(inner)
			}
			b.clusters.WriteString("  }\n")
		case *parser.IfStatement:
			b.walk(s.Then)
			b.walk(s.Else)
		case *parser.LoopStatement:
			b.walk(s.Body)
		case parser.ChaosStatement:
			b.mapChaos(s)
		}
	}
}

func (b *builder) mapChaos(stmt parser.ChaosStatement) {
	switch s := stmt.(type) {
	case *parser.NodeStatement:
		name := "Node_" + s.Service
		b.nodes[name] = struct{}{}
		for _, action := range s.Actions {
			b.edges = append(b.edges, edge{
				from: name, to: name,
				label: actionLabel(action),
				color: "red", style: "dashed",
			})
		}
	case *parser.PartitionStatement:
		from := "Pods_" + filterLabel(s.From)
		to := "Pods_" + filterLabel(s.To)
		b.nodes[from] = struct{}{}
		b.nodes[to] = struct{}{}
		label := "Partition"
		if s.Duration != nil {
			label = "Partition " + s.Duration.String()
		}
		b.edges = append(b.edges, edge{
			from: from, to: to, label: label,
			color: "blue", style: "bold",
		})
	case *parser.LinkStatement:
		from := "Pod_" + s.From
		to := "Pod_" + s.To
		b.nodes[from] = struct{}{}
		b.nodes[to] = struct{}{}
		for _, action := range s.Actions {
			b.edges = append(b.edges, edge{
				from: from, to: to,
				label: actionLabel(action),
				color: "green", style: "solid",
			})
		}
	}
}

func actionLabel(action parser.Node) string {
	switch action.(type) {
	case *parser.DelayAction:
		return "Delay"
	case *parser.LossAction:
		return "Loss"
	case *parser.BandwidthAction:
		return "Bandwidth"
	case *parser.CrashAction:
		return "Crash"
	case *parser.RestartAction:
		return "Restart"
	default:
		return "Action"
	}
}

func filterLabel(f parser.Filter) string {
	var pairs []string
	for _, p := range f.Pairs {
		pairs = append(pairs, p.Key+"="+p.Value)
	}
	return strings.Join(pairs, " & ")
}
