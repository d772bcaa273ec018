package performance

import (
	"fmt"
	"io"

	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	"github.com/xlab/treeprint"
)

func blockName(b *ir.Block) string {
	return fmt.Sprintf("b%d@0x%x", b.ID, b.PC)
}

// exitLabel describes a block's terminator when it leaves the function.
func exitLabel(b *ir.Block) string {
	t := b.Terminator()
	if t == nil || t.Code != ir.OpExit {
		return ""
	}
	reason := guest.ExitReason(t.Args[0].Value)
	if t.Args[1].IsConst() {
		return fmt.Sprintf("exit %s -> 0x%x", reason, t.Args[1].Value)
	}
	return fmt.Sprintf("exit %s -> dynamic", reason)
}

// Tree renders f as a depth-first spanning tree from the entry block. Back and cross edges
// appear as leaf references so every edge is listed once.
func Tree(f *ir.Func) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("fn 0x%x: %d blocks, %d insts, %v", f.Entry, len(f.Blocks), f.Insts(), f.Ranges()))
	if len(f.Blocks) == 0 {
		return tree
	}
	visited := make([]bool, len(f.Blocks))
	var walk func(parent treeprint.Tree, b *ir.Block)
	walk = func(parent treeprint.Tree, b *ir.Block) {
		visited[b.ID] = true
		label := fmt.Sprintf("%s [0x%x, 0x%x) %d insts, %d ops", blockName(b), b.PC, b.End, b.Insts, len(b.Ops))
		if x := exitLabel(b); x != "" {
			label += ", " + x
		}
		node := parent.AddBranch(label)
		for _, s := range b.Succs {
			sb := f.Block(s)
			if sb == nil {
				continue
			}
			if visited[s] {
				node.AddNode("-> " + blockName(sb))
				continue
			}
			walk(node, sb)
		}
	}
	walk(tree, f.Blocks[0])
	for _, b := range f.Blocks {
		if !visited[b.ID] {
			walk(tree, b)
		}
	}
	return tree
}

// Graph builds a force-layout chart of f's blocks and edges.
func Graph(f *ir.Func) *charts.Graph {
	nodes := make([]opts.GraphNode, 0, len(f.Blocks))
	var links []opts.GraphLink
	for _, b := range f.Blocks {
		color := "steelblue"
		switch {
		case b.ID == 0:
			color = "green"
		case exitLabel(b) != "":
			color = "red"
		}
		tip := fmt.Sprintf("%s<br>[0x%x, 0x%x)<br>%d guest insts, %d ops", blockName(b), b.PC, b.End, b.Insts, len(b.Ops))
		if x := exitLabel(b); x != "" {
			tip += "<br>" + x
		}
		nodes = append(nodes, opts.GraphNode{
			Name:  blockName(b),
			Value: float32(b.Insts),
			Tooltip: &opts.Tooltip{
				Show:      opts.Bool(true),
				Formatter: types.FuncStr(tip),
			},
			ItemStyle: &opts.ItemStyle{Color: color},
		})
		for _, s := range b.Succs {
			if sb := f.Block(s); sb != nil {
				links = append(links, opts.GraphLink{Source: blockName(b), Target: blockName(sb)})
			}
		}
	}

	g := charts.NewGraph()
	g.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("fn 0x%x", f.Entry),
			Subtitle: fmt.Sprintf("%d blocks, %d guest instructions", len(f.Blocks), f.Insts()),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	g.AddSeries("cfg", nodes, links).SetSeriesOptions(
		charts.WithGraphChartOpts(opts.GraphChart{
			Force:  &opts.GraphForce{Repulsion: 600, Gravity: 0.2},
			Layout: "force",
			Roam:   opts.Bool(true),
		}),
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "right", Formatter: "{b}"}),
	)
	return g
}

// RenderGraphs writes an HTML page with one CFG chart per function.
func RenderGraphs(w io.Writer, fs ...*ir.Func) error {
	page := components.NewPage()
	page.PageTitle = "a64jit control flow"
	for _, f := range fs {
		page.AddCharts(Graph(f))
	}
	return page.Render(w)
}
