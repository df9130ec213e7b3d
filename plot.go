// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/wcharczuk/go-chart/v2"
)

type plotcmd struct {
	xComponent int
	yComponent int
	colorBy    string
}

// plotcmd renders a scatter of two reduced components, one series per
// level of a sample metadata column. Presentation only; the
// coordinates come straight off the table.
func (cmd *plotcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input table `file`")
	outputFilename := flags.String("o", "plot.png", "output `file` (.png or .svg)")
	flags.IntVar(&cmd.xComponent, "x", 1, "1-based component to plot on x axis")
	flags.IntVar(&cmd.yComponent, "y", 2, "1-based component to plot on y axis")
	flags.StringVar(&cmd.colorBy, "color", "group", "sample metadata `column` to color points by")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	t, err := loadTableFile(stdin, *inputFilename)
	if err != nil {
		return 1
	}
	xcol, ok := t.SampleNum[fmt.Sprintf("pc%d", cmd.xComponent)]
	if !ok {
		err = fmt.Errorf("no component %d; run the reduction stage first", cmd.xComponent)
		return 1
	}
	ycol, ok := t.SampleNum[fmt.Sprintf("pc%d", cmd.yComponent)]
	if !ok {
		err = fmt.Errorf("no component %d; run the reduction stage first", cmd.yComponent)
		return 1
	}
	colors, ok := t.SampleStr[cmd.colorBy]
	if !ok {
		err = fmt.Errorf("no sample column %q to color by", cmd.colorBy)
		return 1
	}

	bySeries := map[string][]int{}
	for s := range t.Samples {
		bySeries[colors[s]] = append(bySeries[colors[s]], s)
	}
	var levels []string
	for level := range bySeries {
		levels = append(levels, level)
	}
	sort.Strings(levels)

	var series []chart.Series
	for i, level := range levels {
		xs := make([]float64, 0, len(bySeries[level]))
		ys := make([]float64, 0, len(bySeries[level]))
		for _, s := range bySeries[level] {
			xs = append(xs, xcol[s])
			ys = append(ys, ycol[s])
		}
		series = append(series, chart.ContinuousSeries{
			Name:    level,
			XValues: xs,
			YValues: ys,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    5,
				DotColor:    chart.GetDefaultColor(i),
			},
		})
	}

	graph := chart.Chart{
		XAxis:  chart.XAxis{Name: cmd.axisName(t, cmd.xComponent)},
		YAxis:  chart.YAxis{Name: cmd.axisName(t, cmd.yComponent)},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	output, err := createFile(*outputFilename)
	if err != nil {
		return 1
	}
	defer output.Close()
	if strings.HasSuffix(*outputFilename, ".svg") {
		err = graph.Render(chart.SVG, output)
	} else {
		err = graph.Render(chart.PNG, output)
	}
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *plotcmd) axisName(t *AbundanceTable, component int) string {
	if component >= 1 && component <= len(t.ComponentVar) {
		return fmt.Sprintf("PC%d (%.1f%%)", component, 100*t.ComponentVar[component-1])
	}
	return fmt.Sprintf("PC%d", component)
}
