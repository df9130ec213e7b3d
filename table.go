// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"fmt"
	"sort"
)

// AbundanceTable is the one value every pipeline stage consumes and
// produces. Logically it is a long-format table with one row per
// (gene, sample) pair; physically it is a column store keyed by gene
// and sample, so values that the long format would broadcast across a
// key group are stored once and cannot drift apart. The logical row
// count is always len(Genes)*len(Samples).
//
// Stages add columns, they never remove rows. The only operation that
// builds a smaller table is TopVariableGenes, and it returns a new
// value.
type AbundanceTable struct {
	Genes   []string
	Samples []string

	// Raw counts, gene-major: Counts[g*len(Samples)+s].
	Counts []int64

	GeneStr    map[string][]string
	GeneNum    map[string][]float64
	GeneFlag   map[string][]bool
	SampleStr  map[string][]string
	SampleNum  map[string][]float64
	SampleFlag map[string][]bool

	// Per-cell numeric columns, gene-major like Counts.
	CellNum map[string][]float64

	// Fraction of variance explained per reduced component, set by
	// Reduce and carried so stats/plot can report it.
	ComponentVar []float64

	geneIndex   map[string]int
	sampleIndex map[string]int
}

// NewAbundanceTable builds a table from a rectangular count matrix
// (counts[g][s], same order as genes and samples). Duplicate
// identifiers, dimension mismatches, and negative counts are fatal.
// Genes and samples with zero total counts are retained.
func NewAbundanceTable(genes, samples []string, counts [][]int64) (*AbundanceTable, error) {
	if len(counts) != len(genes) {
		return nil, fmt.Errorf("count matrix has %d rows but %d gene identifiers", len(counts), len(genes))
	}
	t := &AbundanceTable{
		Genes:      append([]string(nil), genes...),
		Samples:    append([]string(nil), samples...),
		Counts:     make([]int64, len(genes)*len(samples)),
		GeneStr:    map[string][]string{},
		GeneNum:    map[string][]float64{},
		GeneFlag:   map[string][]bool{},
		SampleStr:  map[string][]string{},
		SampleNum:  map[string][]float64{},
		SampleFlag: map[string][]bool{},
		CellNum:    map[string][]float64{},
	}
	if err := t.reindex(); err != nil {
		return nil, err
	}
	for g, row := range counts {
		if len(row) != len(samples) {
			return nil, fmt.Errorf("count row for gene %q has %d entries, want %d", genes[g], len(row), len(samples))
		}
		for s, v := range row {
			if v < 0 {
				return nil, fmt.Errorf("negative count %d for gene %q sample %q", v, genes[g], samples[s])
			}
			t.Counts[g*len(samples)+s] = v
		}
	}
	return t, nil
}

// reindex rebuilds the identifier lookup maps, failing on duplicate
// keys. LoadTable calls this after gob decoding, because the lookup
// maps are not part of the encoded form.
func (t *AbundanceTable) reindex() error {
	t.geneIndex = make(map[string]int, len(t.Genes))
	for i, g := range t.Genes {
		if _, dup := t.geneIndex[g]; dup {
			return fmt.Errorf("duplicate gene identifier %q", g)
		}
		t.geneIndex[g] = i
	}
	t.sampleIndex = make(map[string]int, len(t.Samples))
	for i, s := range t.Samples {
		if _, dup := t.sampleIndex[s]; dup {
			return fmt.Errorf("duplicate sample identifier %q", s)
		}
		t.sampleIndex[s] = i
	}
	return nil
}

func (t *AbundanceTable) NGenes() int   { return len(t.Genes) }
func (t *AbundanceTable) NSamples() int { return len(t.Samples) }

// NRows is the logical long-format row count, |genes| x |samples|.
func (t *AbundanceTable) NRows() int { return len(t.Genes) * len(t.Samples) }

func (t *AbundanceTable) Count(g, s int) int64 { return t.Counts[g*len(t.Samples)+s] }

func (t *AbundanceTable) GeneIndex(gene string) (int, bool) {
	i, ok := t.geneIndex[gene]
	return i, ok
}

func (t *AbundanceTable) SampleIndex(sample string) (int, bool) {
	i, ok := t.sampleIndex[sample]
	return i, ok
}

// SetGeneStrings joins a per-gene string column onto the table. Keys
// not present in the table are fatal; genes absent from vals get the
// empty string.
func (t *AbundanceTable) SetGeneStrings(name string, vals map[string]string) error {
	col := make([]string, len(t.Genes))
	for k, v := range vals {
		i, ok := t.geneIndex[k]
		if !ok {
			return fmt.Errorf("join %q: unknown gene %q", name, k)
		}
		col[i] = v
	}
	t.GeneStr[name] = col
	return nil
}

func (t *AbundanceTable) SetSampleStrings(name string, vals map[string]string) error {
	col := make([]string, len(t.Samples))
	for k, v := range vals {
		i, ok := t.sampleIndex[k]
		if !ok {
			return fmt.Errorf("join %q: unknown sample %q", name, k)
		}
		col[i] = v
	}
	t.SampleStr[name] = col
	return nil
}

// setGeneFloats and friends are the positional setters used by stages
// that already work in table order.
func (t *AbundanceTable) setGeneFloats(name string, col []float64) error {
	if len(col) != len(t.Genes) {
		return fmt.Errorf("column %q has %d values, want %d genes", name, len(col), len(t.Genes))
	}
	t.GeneNum[name] = col
	return nil
}

func (t *AbundanceTable) setGeneFlags(name string, col []bool) error {
	if len(col) != len(t.Genes) {
		return fmt.Errorf("column %q has %d values, want %d genes", name, len(col), len(t.Genes))
	}
	t.GeneFlag[name] = col
	return nil
}

func (t *AbundanceTable) setSampleFloats(name string, col []float64) error {
	if len(col) != len(t.Samples) {
		return fmt.Errorf("column %q has %d values, want %d samples", name, len(col), len(t.Samples))
	}
	t.SampleNum[name] = col
	return nil
}

func (t *AbundanceTable) setCellFloats(name string, col []float64) error {
	if len(col) != t.NRows() {
		return fmt.Errorf("column %q has %d values, want %d cells", name, len(col), t.NRows())
	}
	t.CellNum[name] = col
	return nil
}

// SetSampleFloats joins a per-sample numeric column by key. Every
// table sample must be present in vals.
func (t *AbundanceTable) SetSampleFloats(name string, vals map[string]float64) error {
	col := make([]float64, len(t.Samples))
	for i, s := range t.Samples {
		v, ok := vals[s]
		if !ok {
			return fmt.Errorf("join %q: no value for sample %q", name, s)
		}
		col[i] = v
	}
	for k := range vals {
		if _, ok := t.sampleIndex[k]; !ok {
			return fmt.Errorf("join %q: unknown sample %q", name, k)
		}
	}
	t.SampleNum[name] = col
	return nil
}

// CheckConsistent verifies the structural invariants: every column has
// exactly one value per key on its axis, and the count matrix covers
// every (gene, sample) cell. Projection views call this before
// collapsing; a failure indicates an upstream bug.
func (t *AbundanceTable) CheckConsistent() error {
	if len(t.Counts) != t.NRows() {
		return fmt.Errorf("count matrix has %d cells, want %d", len(t.Counts), t.NRows())
	}
	for name, col := range t.GeneStr {
		if len(col) != len(t.Genes) {
			return fmt.Errorf("gene column %q has %d values, want %d", name, len(col), len(t.Genes))
		}
	}
	for name, col := range t.GeneNum {
		if len(col) != len(t.Genes) {
			return fmt.Errorf("gene column %q has %d values, want %d", name, len(col), len(t.Genes))
		}
	}
	for name, col := range t.GeneFlag {
		if len(col) != len(t.Genes) {
			return fmt.Errorf("gene column %q has %d values, want %d", name, len(col), len(t.Genes))
		}
	}
	for name, col := range t.SampleStr {
		if len(col) != len(t.Samples) {
			return fmt.Errorf("sample column %q has %d values, want %d", name, len(col), len(t.Samples))
		}
	}
	for name, col := range t.SampleNum {
		if len(col) != len(t.Samples) {
			return fmt.Errorf("sample column %q has %d values, want %d", name, len(col), len(t.Samples))
		}
	}
	for name, col := range t.SampleFlag {
		if len(col) != len(t.Samples) {
			return fmt.Errorf("sample column %q has %d values, want %d", name, len(col), len(t.Samples))
		}
	}
	for name, col := range t.CellNum {
		if len(col) != t.NRows() {
			return fmt.Errorf("cell column %q has %d values, want %d", name, len(col), t.NRows())
		}
	}
	return nil
}

// geneColumnNames returns the per-gene column names in a fixed order:
// strings, then numbers, then flags, each sorted.
func (t *AbundanceTable) geneColumnNames() (str, num, flag []string) {
	for name := range t.GeneStr {
		str = append(str, name)
	}
	for name := range t.GeneNum {
		num = append(num, name)
	}
	for name := range t.GeneFlag {
		flag = append(flag, name)
	}
	sort.Strings(str)
	sort.Strings(num)
	sort.Strings(flag)
	return
}

func (t *AbundanceTable) sampleColumnNames() (str, num, flag []string) {
	for name := range t.SampleStr {
		str = append(str, name)
	}
	for name := range t.SampleNum {
		num = append(num, name)
	}
	for name := range t.SampleFlag {
		flag = append(flag, name)
	}
	sort.Strings(str)
	sort.Strings(num)
	sort.Strings(flag)
	return
}

// GeneRows is the gene-level projection: one row per gene, all
// sample-varying columns dropped. The first header field is "gene".
func (t *AbundanceTable) GeneRows() (header []string, rows [][]string, err error) {
	if err := t.CheckConsistent(); err != nil {
		return nil, nil, err
	}
	str, num, flag := t.geneColumnNames()
	header = append(append(append(append(header, "gene"), str...), num...), flag...)
	for g, gene := range t.Genes {
		row := make([]string, 0, len(header))
		row = append(row, gene)
		for _, name := range str {
			row = append(row, t.GeneStr[name][g])
		}
		for _, name := range num {
			row = append(row, formatFloat(t.GeneNum[name][g]))
		}
		for _, name := range flag {
			row = append(row, formatBool(t.GeneFlag[name][g]))
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

// SampleRows is the sample-level projection: one row per sample, all
// gene-varying columns dropped.
func (t *AbundanceTable) SampleRows() (header []string, rows [][]string, err error) {
	if err := t.CheckConsistent(); err != nil {
		return nil, nil, err
	}
	str, num, flag := t.sampleColumnNames()
	header = append(append(append(append(header, "sample"), str...), num...), flag...)
	for s, sample := range t.Samples {
		row := make([]string, 0, len(header))
		row = append(row, sample)
		for _, name := range str {
			row = append(row, t.SampleStr[name][s])
		}
		for _, name := range num {
			row = append(row, formatFloat(t.SampleNum[name][s]))
		}
		for _, name := range flag {
			row = append(row, formatBool(t.SampleFlag[name][s]))
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

// subsetGenes returns a new table containing only the genes at the
// given (already deduplicated) indexes, with every column carried
// over. Used by TopVariableGenes; nothing else shrinks a table.
func (t *AbundanceTable) subsetGenes(keep []int) (*AbundanceTable, error) {
	sub := &AbundanceTable{
		Genes:      make([]string, len(keep)),
		Samples:    append([]string(nil), t.Samples...),
		Counts:     make([]int64, len(keep)*len(t.Samples)),
		GeneStr:    map[string][]string{},
		GeneNum:    map[string][]float64{},
		GeneFlag:   map[string][]bool{},
		SampleStr:  map[string][]string{},
		SampleNum:  map[string][]float64{},
		SampleFlag: map[string][]bool{},
		CellNum:    map[string][]float64{},
	}
	ns := len(t.Samples)
	for i, g := range keep {
		sub.Genes[i] = t.Genes[g]
		copy(sub.Counts[i*ns:(i+1)*ns], t.Counts[g*ns:(g+1)*ns])
	}
	for name, col := range t.GeneStr {
		sub.GeneStr[name] = pickStrings(col, keep)
	}
	for name, col := range t.GeneNum {
		sub.GeneNum[name] = pickFloats(col, keep)
	}
	for name, col := range t.GeneFlag {
		sub.GeneFlag[name] = pickBools(col, keep)
	}
	for name, col := range t.SampleStr {
		sub.SampleStr[name] = append([]string(nil), col...)
	}
	for name, col := range t.SampleNum {
		sub.SampleNum[name] = append([]float64(nil), col...)
	}
	for name, col := range t.SampleFlag {
		sub.SampleFlag[name] = append([]bool(nil), col...)
	}
	for name, col := range t.CellNum {
		cells := make([]float64, len(keep)*ns)
		for i, g := range keep {
			copy(cells[i*ns:(i+1)*ns], col[g*ns:(g+1)*ns])
		}
		sub.CellNum[name] = cells
	}
	sub.ComponentVar = append([]float64(nil), t.ComponentVar...)
	if err := sub.reindex(); err != nil {
		return nil, err
	}
	return sub, nil
}

func pickStrings(col []string, idx []int) []string {
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = col[j]
	}
	return out
}

func pickFloats(col []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = col[j]
	}
	return out
}

func pickBools(col []bool, idx []int) []bool {
	out := make([]bool, len(idx))
	for i, j := range idx {
		out[i] = col[j]
	}
	return out
}
