// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
)

// FilterOptions controls FlagLowAbundance. Zero values select the
// conventional defaults.
type FilterOptions struct {
	MinCount   float64 // count threshold, rescaled to CPM against the median library size (default 10)
	MinTotal   float64 // minimum total count across all samples (default 15)
	MinSamples int     // number of samples that must reach the CPM cutoff (default: size of the smallest group)
}

func (o *FilterOptions) Flags(flags *flag.FlagSet) {
	flags.Float64Var(&o.MinCount, "min-count", 10, "count a gene must reach (CPM-rescaled) in enough samples")
	flags.Float64Var(&o.MinTotal, "min-total", 15, "minimum total count across all samples")
	flags.IntVar(&o.MinSamples, "min-samples", 0, "samples that must reach the cutoff (0 = smallest group size)")
}

// FlagLowAbundance marks genes whose counts are too sparse to support
// testing, writing the per-gene flag column "low". No rows are
// removed. The rule follows the filterByExpr convention: a gene is
// kept if its CPM reaches a cutoff derived from MinCount and the
// median library size in at least MinSamples samples, and its total
// count reaches MinTotal. MinSamples defaults to the size of the
// smallest level of the grouping column.
func FlagLowAbundance(t *AbundanceTable, groupCol string, opts FilterOptions) error {
	if opts.MinCount == 0 {
		opts.MinCount = 10
	}
	if opts.MinTotal == 0 {
		opts.MinTotal = 15
	}
	if opts.MinSamples <= 0 {
		groups, ok := t.SampleStr[groupCol]
		if !ok {
			return fmt.Errorf("no sample column %q to derive group sizes from", groupCol)
		}
		sizes := map[string]int{}
		for _, g := range groups {
			sizes[g]++
		}
		for _, n := range sizes {
			if opts.MinSamples == 0 || n < opts.MinSamples {
				opts.MinSamples = n
			}
		}
	}
	if opts.MinSamples > len(t.Samples) {
		return fmt.Errorf("min-samples %d exceeds sample count %d", opts.MinSamples, len(t.Samples))
	}

	lib := librarySizes(t)
	medLib, err := stats.Median(lib)
	if err != nil {
		return err
	}
	if medLib <= 0 {
		return fmt.Errorf("median library size is zero; no counts to filter on")
	}
	cpmCutoff := opts.MinCount / medLib * 1e6

	ns := len(t.Samples)
	low := make([]bool, len(t.Genes))
	nlow := 0
	for g := range t.Genes {
		reached := 0
		var total float64
		for s := 0; s < ns; s++ {
			c := float64(t.Counts[g*ns+s])
			total += c
			if lib[s] > 0 && c/lib[s]*1e6 >= cpmCutoff {
				reached++
			}
		}
		if reached < opts.MinSamples || total < opts.MinTotal {
			low[g] = true
			nlow++
		}
	}
	log.Infof("flagged %d of %d genes as lowly abundant (cutoff %.2f CPM in %d samples)",
		nlow, len(t.Genes), cpmCutoff, opts.MinSamples)
	return t.setGeneFlags("low", low)
}

// librarySizes sums raw counts per sample over all genes, flagged or
// not.
func librarySizes(t *AbundanceTable) []float64 {
	ns := len(t.Samples)
	lib := make([]float64, ns)
	for g := range t.Genes {
		for s := 0; s < ns; s++ {
			lib[s] += float64(t.Counts[g*ns+s])
		}
	}
	return lib
}

// keptGenes returns the indexes of genes not flagged low-abundance,
// or all genes if the filter has not run.
func keptGenes(t *AbundanceTable) []int {
	low := t.GeneFlag["low"]
	keep := make([]int, 0, len(t.Genes))
	for g := range t.Genes {
		if low == nil || !low[g] {
			keep = append(keep, g)
		}
	}
	return keep
}

type filtercmd struct {
	group string
	opts  FilterOptions
}

func (cmd *filtercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input table `file`")
	outputFilename := flags.String("o", "-", "output table `file`")
	flags.StringVar(&cmd.group, "group", "group", "sample metadata `column` defining groups")
	cmd.opts.Flags(flags)
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
	err = FlagLowAbundance(t, cmd.group, cmd.opts)
	if err != nil {
		return 1
	}
	err = saveTableFile(stdout, *outputFilename, t)
	if err != nil {
		return 1
	}
	return 0
}

// loadTableFile reads a table artifact from a file, or from stdin
// when the name is "-". Gzip is inferred from the ".gz" suffix.
func loadTableFile(stdin io.Reader, filename string) (*AbundanceTable, error) {
	if filename == "-" {
		return LoadTable(stdin, false)
	}
	f, err := openFile(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadTable(f, strings.HasSuffix(filename, ".gz"))
}

func saveTableFile(stdout io.Writer, filename string, t *AbundanceTable) error {
	if filename == "-" {
		return SaveTable(stdout, false, t)
	}
	f, err := createFile(filename)
	if err != nil {
		return err
	}
	err = SaveTable(f, strings.HasSuffix(filename, ".gz"), t)
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
