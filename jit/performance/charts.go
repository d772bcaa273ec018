package performance

import (
	"fmt"
	"io"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// targetsAndPCs returns the sorted target names and entry PCs appearing in results.
func targetsAndPCs(results []Result) ([]string, []uint64) {
	ts, ps := map[string]bool{}, map[uint64]bool{}
	for _, r := range results {
		ts[r.Target] = true
		ps[r.PC] = true
	}
	targets := make([]string, 0, len(ts))
	for t := range ts {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	pcs := make([]uint64, 0, len(ps))
	for pc := range ps {
		pcs = append(pcs, pc)
	}
	sort.Slice(pcs, func(i, j int) bool { return pcs[i] < pcs[j] })
	return targets, pcs
}

func perFunctionBar(title, subtitle string, results []Result, value func(Result) interface{}) *charts.Bar {
	targets, pcs := targetsAndPCs(results)
	index := make(map[uint64]int, len(pcs))
	labels := make([]string, len(pcs))
	for i, pc := range pcs {
		index[pc] = i
		labels[i] = fmt.Sprintf("0x%x", pc)
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels)
	for _, t := range targets {
		data := make([]opts.BarData, len(pcs))
		for _, r := range results {
			if r.Target == t && r.Err == "" {
				data[index[r.PC]] = opts.BarData{Value: value(r)}
			}
		}
		bar.AddSeries(t, data)
	}
	return bar
}

// CompileTimeChart plots compile microseconds per function, one series per target.
func CompileTimeChart(results []Result) *charts.Bar {
	return perFunctionBar("Compile time", "microseconds per function", results, func(r Result) interface{} {
		return r.CompileTime.Microseconds()
	})
}

// CodeSizeChart plots emitted bytes per function, one series per target.
func CodeSizeChart(results []Result) *charts.Bar {
	return perFunctionBar("Code size", "emitted bytes per function", results, func(r Result) interface{} {
		return r.CodeSize
	})
}

// ExpansionChart plots emitted bytes per guest instruction for each target.
func ExpansionChart(sums []Summary) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Code expansion", Subtitle: "host bytes per guest instruction"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	labels := make([]string, len(sums))
	data := make([]opts.BarData, len(sums))
	for i, s := range sums {
		labels[i] = s.Target
		data[i] = opts.BarData{Value: fmt.Sprintf("%.2f", s.BytesPerInst())}
	}
	bar.SetXAxis(labels).AddSeries("bytes/inst", data)
	return bar
}

// RenderReport writes an HTML page with every benchmark chart.
func RenderReport(w io.Writer, results []Result) error {
	page := components.NewPage()
	page.PageTitle = "a64jit compile benchmark"
	page.AddCharts(
		CompileTimeChart(results),
		CodeSizeChart(results),
		ExpansionChart(Summarize(results)),
	)
	return page.Render(w)
}
