// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Long-format wire representation: one tab-separated row per
// (gene, sample) cell. The header tags every derived column with its
// axis and type, e.g. "gene:symbol:str", "sample:pc1:num",
// "cell:cpm:num", so a table can be reconstructed without guessing.
//
// ReadLong is also where the broadcast-consistency invariant is
// actually enforced against external data: a per-gene or per-sample
// column whose value varies within its key group is a fatal error.

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// WriteLong writes the full long-format table.
func (t *AbundanceTable) WriteLong(w io.Writer) error {
	if err := t.CheckConsistent(); err != nil {
		return err
	}
	gstr, gnum, gflag := t.geneColumnNames()
	sstr, snum, sflag := t.sampleColumnNames()
	var cnum []string
	for name := range t.CellNum {
		cnum = append(cnum, name)
	}
	sort.Strings(cnum)

	bufw := bufio.NewWriter(w)
	header := []string{"gene", "sample", "count"}
	for _, n := range gstr {
		header = append(header, "gene:"+n+":str")
	}
	for _, n := range gnum {
		header = append(header, "gene:"+n+":num")
	}
	for _, n := range gflag {
		header = append(header, "gene:"+n+":flag")
	}
	for _, n := range sstr {
		header = append(header, "sample:"+n+":str")
	}
	for _, n := range snum {
		header = append(header, "sample:"+n+":num")
	}
	for _, n := range sflag {
		header = append(header, "sample:"+n+":flag")
	}
	for _, n := range cnum {
		header = append(header, "cell:"+n+":num")
	}
	fmt.Fprintln(bufw, strings.Join(header, "\t"))

	ns := len(t.Samples)
	row := make([]string, 0, len(header))
	for g, gene := range t.Genes {
		for s, sample := range t.Samples {
			row = row[:0]
			row = append(row, gene, sample, strconv.FormatInt(t.Counts[g*ns+s], 10))
			for _, n := range gstr {
				row = append(row, t.GeneStr[n][g])
			}
			for _, n := range gnum {
				row = append(row, formatFloat(t.GeneNum[n][g]))
			}
			for _, n := range gflag {
				row = append(row, formatBool(t.GeneFlag[n][g]))
			}
			for _, n := range sstr {
				row = append(row, t.SampleStr[n][s])
			}
			for _, n := range snum {
				row = append(row, formatFloat(t.SampleNum[n][s]))
			}
			for _, n := range sflag {
				row = append(row, formatBool(t.SampleFlag[n][s]))
			}
			for _, n := range cnum {
				row = append(row, formatFloat(t.CellNum[n][g*ns+s]))
			}
			fmt.Fprintln(bufw, strings.Join(row, "\t"))
		}
	}
	return bufw.Flush()
}

type longColumn struct {
	axis string // "gene", "sample", "cell"
	name string
	kind string // "str", "num", "flag"
}

// ReadLong reconstructs a table from long format, verifying that the
// row set is a complete gene x sample rectangle and that every
// broadcast column is constant within its key group.
func ReadLong(r io.Reader) (*AbundanceTable, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<24)
	if !scanner.Scan() {
		return nil, fmt.Errorf("empty input")
	}
	header := strings.Split(scanner.Text(), "\t")
	if len(header) < 3 || header[0] != "gene" || header[1] != "sample" || header[2] != "count" {
		return nil, fmt.Errorf("unexpected long-format header %q", scanner.Text())
	}
	cols := make([]longColumn, 0, len(header)-3)
	for _, h := range header[3:] {
		parts := strings.Split(h, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("unexpected column header %q", h)
		}
		cols = append(cols, longColumn{axis: parts[0], name: parts[1], kind: parts[2]})
	}

	type cell struct {
		gene, sample string
		count        int64
		fields       []string
	}
	var (
		cells      []cell
		genes      []string
		samples    []string
		geneSeen   = map[string]bool{}
		sampleSeen = map[string]bool{}
	)
	lineno := 1
	for scanner.Scan() {
		lineno++
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != len(header) {
			return nil, fmt.Errorf("line %d: %d fields, want %d", lineno, len(fields), len(header))
		}
		count, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || count < 0 {
			return nil, fmt.Errorf("line %d: bad count %q", lineno, fields[2])
		}
		if !geneSeen[fields[0]] {
			geneSeen[fields[0]] = true
			genes = append(genes, fields[0])
		}
		if !sampleSeen[fields[1]] {
			sampleSeen[fields[1]] = true
			samples = append(samples, fields[1])
		}
		cells = append(cells, cell{gene: fields[0], sample: fields[1], count: count, fields: fields[3:]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(cells) != len(genes)*len(samples) {
		return nil, fmt.Errorf("%d rows do not form a %d gene x %d sample rectangle", len(cells), len(genes), len(samples))
	}

	counts := make([][]int64, len(genes))
	for i := range counts {
		counts[i] = make([]int64, len(samples))
	}
	t, err := NewAbundanceTable(genes, samples, counts)
	if err != nil {
		return nil, err
	}
	ns := len(samples)
	filled := make([]bool, len(cells))
	for _, c := range cells {
		g, _ := t.GeneIndex(c.gene)
		s, _ := t.SampleIndex(c.sample)
		if filled[g*ns+s] {
			return nil, fmt.Errorf("duplicate row for gene %q sample %q", c.gene, c.sample)
		}
		filled[g*ns+s] = true
		t.Counts[g*ns+s] = c.count
	}

	for ci, col := range cols {
		switch col.axis {
		case "gene", "sample":
			// Broadcast column: every row in the key group must agree.
			vals := map[string]string{}
			for _, c := range cells {
				key := c.gene
				if col.axis == "sample" {
					key = c.sample
				}
				if prev, ok := vals[key]; !ok {
					vals[key] = c.fields[ci]
				} else if prev != c.fields[ci] {
					return nil, fmt.Errorf("broadcast consistency violated: %s column %q has values %q and %q for %s %q",
						col.axis, col.name, prev, c.fields[ci], col.axis, key)
				}
			}
			if err := t.setLongColumn(col, vals); err != nil {
				return nil, err
			}
		case "cell":
			colvals := make([]float64, len(cells))
			for _, c := range cells {
				g, _ := t.GeneIndex(c.gene)
				s, _ := t.SampleIndex(c.sample)
				v, err := strconv.ParseFloat(c.fields[ci], 64)
				if err != nil {
					return nil, fmt.Errorf("cell column %q: bad value %q", col.name, c.fields[ci])
				}
				colvals[g*ns+s] = v
			}
			if err := t.setCellFloats(col.name, colvals); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown column axis %q", col.axis)
		}
	}
	return t, nil
}

func (t *AbundanceTable) setLongColumn(col longColumn, vals map[string]string) error {
	keys := t.Genes
	if col.axis == "sample" {
		keys = t.Samples
	}
	switch col.kind {
	case "str":
		out := make([]string, len(keys))
		for i, k := range keys {
			out[i] = vals[k]
		}
		if col.axis == "gene" {
			t.GeneStr[col.name] = out
		} else {
			t.SampleStr[col.name] = out
		}
	case "num":
		out := make([]float64, len(keys))
		for i, k := range keys {
			v, err := strconv.ParseFloat(vals[k], 64)
			if err != nil {
				return fmt.Errorf("%s column %q: bad value %q", col.axis, col.name, vals[k])
			}
			out[i] = v
		}
		if col.axis == "gene" {
			t.GeneNum[col.name] = out
		} else {
			t.SampleNum[col.name] = out
		}
	case "flag":
		out := make([]bool, len(keys))
		for i, k := range keys {
			switch vals[k] {
			case "true":
				out[i] = true
			case "false":
				out[i] = false
			default:
				return fmt.Errorf("%s column %q: bad flag %q", col.axis, col.name, vals[k])
			}
		}
		if col.axis == "gene" {
			t.GeneFlag[col.name] = out
		} else {
			t.SampleFlag[col.name] = out
		}
	default:
		return fmt.Errorf("unknown column type %q", col.kind)
	}
	return nil
}
