// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"

	"github.com/kshedden/gonpy"
)

type exportNumpy struct {
	kind string
}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input table `file`")
	outputFilename := flags.String("o", "-", "output .npy `file`")
	genesFilename := flags.String("output-genes", "", "also write gene identifiers, one per line, to `file`")
	samplesFilename := flags.String("output-samples", "", "also write sample identifiers, one per line, to `file`")
	flags.StringVar(&cmd.kind, "kind", "counts", "matrix to export: counts, cpm, or logcpm")
	onlyKept := flags.Bool("drop-low", false, "exclude genes flagged low-abundance")
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

	genes := make([]int, 0, len(t.Genes))
	if *onlyKept || cmd.kind == "logcpm" {
		genes = keptGenes(t)
	} else {
		for g := range t.Genes {
			genes = append(genes, g)
		}
	}
	ns := len(t.Samples)
	out := make([]float64, len(genes)*ns)
	switch cmd.kind {
	case "counts":
		for i, g := range genes {
			for s := 0; s < ns; s++ {
				out[i*ns+s] = float64(t.Counts[g*ns+s])
			}
		}
	case "cpm":
		cpm, ok := t.CellNum["cpm"]
		if !ok {
			err = fmt.Errorf("no scaled abundance column; run the scaling stage first")
			return 1
		}
		for i, g := range genes {
			copy(out[i*ns:(i+1)*ns], cpm[g*ns:(g+1)*ns])
		}
	case "logcpm":
		cpm, ok := t.CellNum["cpm"]
		if !ok {
			err = fmt.Errorf("no scaled abundance column; run the scaling stage first")
			return 1
		}
		for i, g := range genes {
			for s := 0; s < ns; s++ {
				out[i*ns+s] = math.Log2(cpm[g*ns+s] + 0.5)
			}
		}
	default:
		err = fmt.Errorf("unknown matrix kind %q", cmd.kind)
		return 2
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = createFile(*outputFilename)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	npw.Shape = []int{len(genes), ns}
	err = npw.WriteFloat64(out)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}

	if *genesFilename != "" {
		names := make([]string, len(genes))
		for i, g := range genes {
			names[i] = t.Genes[g]
		}
		err = writeLines(*genesFilename, names)
		if err != nil {
			return 1
		}
	}
	if *samplesFilename != "" {
		err = writeLines(*samplesFilename, t.Samples)
		if err != nil {
			return 1
		}
	}
	return 0
}

func writeLines(filename string, lines []string) error {
	f, err := createFile(filename)
	if err != nil {
		return err
	}
	bufw := bufio.NewWriter(f)
	for _, l := range lines {
		fmt.Fprintln(bufw, l)
	}
	if err := bufw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
