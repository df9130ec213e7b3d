// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"flag"
	"fmt"
	"io"
	"sort"

	log "github.com/sirupsen/logrus"
)

// TopVariableGenes returns a new table restricted to the k unflagged
// genes with the highest logCPM variance across samples, ties broken
// by gene identifier so the selection is deterministic. This is the
// only operation that reduces the row count, and it is always an
// explicit call; the returned table also carries the per-gene
// "logcpm_var" column.
func TopVariableGenes(t *AbundanceTable, k int) (*AbundanceTable, error) {
	if k < 1 {
		return nil, fmt.Errorf("top gene count %d out of range", k)
	}
	m, keep, err := LogCPM(t)
	if err != nil {
		return nil, err
	}
	if k > len(keep) {
		return nil, fmt.Errorf("asked for top %d genes but only %d are unflagged", k, len(keep))
	}
	variance := geneVariances(m)

	// Record the variance for every gene before subsetting. Flagged
	// genes were not ranked; they get -1.
	all := make([]float64, len(t.Genes))
	for i := range all {
		all[i] = -1
	}
	for i, g := range keep {
		all[g] = variance[i]
	}
	if err := t.setGeneFloats("logcpm_var", all); err != nil {
		return nil, err
	}

	order := make([]int, len(keep))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if variance[order[a]] != variance[order[b]] {
			return variance[order[a]] > variance[order[b]]
		}
		return t.Genes[keep[order[a]]] < t.Genes[keep[order[b]]]
	})
	sel := make([]int, k)
	for i := 0; i < k; i++ {
		sel[i] = keep[order[i]]
	}
	sort.Ints(sel) // preserve original gene order in the subset
	log.Infof("keeping top %d of %d genes by logCPM variance", k, len(keep))
	return t.subsetGenes(sel)
}

type topvarcmd struct {
	n int
}

func (cmd *topvarcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.IntVar(&cmd.n, "n", 500, "number of genes to keep")
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
	sub, err := TopVariableGenes(t, cmd.n)
	if err != nil {
		return 1
	}
	err = saveTableFile(stdout, *outputFilename, sub)
	if err != nil {
		return 1
	}
	return 0
}
