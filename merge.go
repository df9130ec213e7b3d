// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"flag"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

type merger struct {
	inputs []string
}

func (cmd *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	outputFilename := flags.String("o", "-", "output table `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	cmd.inputs = flags.Args()
	if len(cmd.inputs) < 2 {
		err = fmt.Errorf("nothing to merge: need at least two input tables")
		return 2
	}

	tables := make([]*AbundanceTable, 0, len(cmd.inputs))
	for _, input := range cmd.inputs {
		t, err2 := loadTableFile(stdin, input)
		if err2 != nil {
			err = fmt.Errorf("%s: %w", input, err2)
			return 1
		}
		log.Infof("%s: %d genes x %d samples", input, t.NGenes(), t.NSamples())
		tables = append(tables, t)
	}
	merged, err := MergeTables(tables)
	if err != nil {
		return 1
	}
	err = saveTableFile(stdout, *outputFilename, merged)
	if err != nil {
		return 1
	}
	return 0
}

// MergeTables combines tables from separate sequencing runs into one,
// concatenating their samples. Every input must cover the same genes
// in the same order, sample identifiers must not collide, and gene
// metadata must agree where more than one input carries it. Inputs
// that already carry stage outputs are rejected so stale per-run
// factors cannot leak into the merged table.
func MergeTables(tables []*AbundanceTable) (*AbundanceTable, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("nothing to merge")
	}
	first := tables[0]
	for _, t := range tables {
		if err := checkUnprocessed(t); err != nil {
			return nil, err
		}
		if len(t.Genes) != len(first.Genes) {
			return nil, fmt.Errorf("cannot merge tables with differing gene sets (%d genes vs %d)", len(t.Genes), len(first.Genes))
		}
		for g, gene := range t.Genes {
			if gene != first.Genes[g] {
				return nil, fmt.Errorf("cannot merge tables with differing gene sets (gene %d is %q vs %q)", g, gene, first.Genes[g])
			}
		}
	}

	var samples []string
	for _, t := range tables {
		samples = append(samples, t.Samples...)
	}
	counts := make([][]int64, len(first.Genes))
	for g := range first.Genes {
		row := make([]int64, 0, len(samples))
		for _, t := range tables {
			ns := len(t.Samples)
			row = append(row, t.Counts[g*ns:(g+1)*ns]...)
		}
		counts[g] = row
	}
	merged, err := NewAbundanceTable(first.Genes, samples, counts)
	if err != nil {
		return nil, err
	}

	for col, vals := range first.GeneStr {
		keep := true
		for _, t := range tables[1:] {
			other, ok := t.GeneStr[col]
			if !ok {
				log.Warnf("dropping gene column %q: not present in all inputs", col)
				keep = false
				break
			}
			for g := range vals {
				if other[g] != vals[g] {
					return nil, fmt.Errorf("gene column %q disagrees between inputs for gene %q: %q vs %q", col, first.Genes[g], vals[g], other[g])
				}
			}
		}
		if keep {
			merged.GeneStr[col] = vals
		}
	}

	for col := range first.SampleStr {
		vals := make([]string, 0, len(samples))
		keep := true
		for _, t := range tables {
			other, ok := t.SampleStr[col]
			if !ok {
				log.Warnf("dropping sample column %q: not present in all inputs", col)
				keep = false
				break
			}
			vals = append(vals, other...)
		}
		if keep {
			merged.SampleStr[col] = vals
		}
	}
	for col := range first.SampleNum {
		vals := make([]float64, 0, len(samples))
		keep := true
		for _, t := range tables {
			other, ok := t.SampleNum[col]
			if !ok {
				log.Warnf("dropping sample column %q: not present in all inputs", col)
				keep = false
				break
			}
			vals = append(vals, other...)
		}
		if keep {
			merged.SampleNum[col] = vals
		}
	}
	return merged, nil
}

// checkUnprocessed rejects tables that have been through the
// filtering, scaling, reduction, or testing stages. Those outputs are
// computed within one run and would be wrong for the union.
func checkUnprocessed(t *AbundanceTable) error {
	if _, ok := t.GeneFlag["low"]; ok {
		return fmt.Errorf("input already filtered; merge raw imports and rerun the later stages")
	}
	if _, ok := t.SampleNum["libsize"]; ok {
		return fmt.Errorf("input already scaled; merge raw imports and rerun the later stages")
	}
	if len(t.CellNum) > 0 || len(t.ComponentVar) > 0 || len(t.GeneNum) > 0 || len(t.GeneFlag) > 0 || len(t.SampleFlag) > 0 {
		return fmt.Errorf("input already carries stage outputs; merge raw imports and rerun the later stages")
	}
	return nil
}
