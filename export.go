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
	"strconv"
	"strings"
)

type exporter struct {
	view string
}

func (cmd *exporter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input table `file`")
	outputFilename := flags.String("o", "-", "output tsv `file`")
	flags.StringVar(&cmd.view, "view", "gene", "projection to export: gene, sample, or long")
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
	switch cmd.view {
	case "gene":
		err = writeProjection(bufw, t.GeneRows)
	case "sample":
		err = writeProjection(bufw, t.SampleRows)
	case "long":
		err = t.WriteLong(bufw)
	default:
		err = fmt.Errorf("unknown view %q", cmd.view)
		return 2
	}
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
	return 0
}

func writeProjection(w io.Writer, rows func() ([]string, [][]string, error)) error {
	header, body, err := rows()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, strings.Join(header, "\t")); err != nil {
		return err
	}
	for _, row := range body {
		if _, err := fmt.Fprintln(w, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return nil
}

// GeneResult is one row of the gene-level projection as read back
// from a tsv export.
type GeneResult struct {
	Gene   string
	Low    bool
	LogFC  float64
	PValue float64
	PAdj   float64
	Sig    bool
}

// ReadGeneTSV parses a gene projection written by the export command,
// returning the differential-testing columns. Identifiers, p-values
// and flags survive a write/read round trip exactly; floats are
// formatted with enough digits to reparse bit-identically.
func ReadGeneTSV(r io.Reader) ([]GeneResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<24)
	if !scanner.Scan() {
		return nil, fmt.Errorf("empty gene table")
	}
	header := strings.Split(scanner.Text(), "\t")
	col := map[string]int{}
	for i, h := range header {
		col[h] = i
	}
	if _, ok := col["gene"]; !ok {
		return nil, fmt.Errorf("no gene column in header %q", scanner.Text())
	}
	var out []GeneResult
	lineno := 1
	for scanner.Scan() {
		lineno++
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != len(header) {
			return nil, fmt.Errorf("line %d: %d fields, want %d", lineno, len(fields), len(header))
		}
		res := GeneResult{
			Gene:   fields[col["gene"]],
			LogFC:  math.NaN(),
			PValue: math.NaN(),
			PAdj:   math.NaN(),
		}
		var err error
		if i, ok := col["logfc"]; ok {
			if res.LogFC, err = strconv.ParseFloat(fields[i], 64); err != nil {
				return nil, fmt.Errorf("line %d: bad logfc %q", lineno, fields[i])
			}
		}
		if i, ok := col["pvalue"]; ok {
			if res.PValue, err = strconv.ParseFloat(fields[i], 64); err != nil {
				return nil, fmt.Errorf("line %d: bad pvalue %q", lineno, fields[i])
			}
		}
		if i, ok := col["padj"]; ok {
			if res.PAdj, err = strconv.ParseFloat(fields[i], 64); err != nil {
				return nil, fmt.Errorf("line %d: bad padj %q", lineno, fields[i])
			}
		}
		if i, ok := col["sig"]; ok {
			res.Sig = fields[i] == "true"
		}
		if i, ok := col["low"]; ok {
			res.Low = fields[i] == "true"
		}
		out = append(out, res)
	}
	return out, scanner.Err()
}
