// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"flag"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Trim fractions and intensity floor for TMM, per the reference
// convention (Robinson & Oshlack 2010).
const (
	tmmLogRatioTrim = 0.3
	tmmSumTrim      = 0.05
	tmmMinA         = -1e10
)

// ComputeScaling estimates one scaling factor per sample from the
// genes not flagged low-abundance, then applies it to all genes,
// writing sample columns "libsize" and "normfactor" and the per-cell
// column "cpm" (counts per million of the effective library size).
// Method is "tmm" (default), "rle", "upperquartile", or "none".
// refSample names the TMM reference sample; empty selects the sample
// whose upper quartile is closest to the mean upper quartile.
// Deterministic: identical input and method give identical factors.
func ComputeScaling(t *AbundanceTable, method, refSample string) error {
	keep := keptGenes(t)
	if len(keep) == 0 {
		return fmt.Errorf("all genes are flagged low-abundance; nothing to scale on")
	}
	lib := librarySizes(t)
	for s, v := range lib {
		if v == 0 {
			return fmt.Errorf("sample %q has zero total counts", t.Samples[s])
		}
	}

	// cols[s] holds the kept-gene counts of sample s.
	ns := len(t.Samples)
	cols := make([][]float64, ns)
	for s := 0; s < ns; s++ {
		col := make([]float64, len(keep))
		for i, g := range keep {
			col[i] = float64(t.Counts[g*ns+s])
		}
		cols[s] = col
	}

	var (
		factors []float64
		err     error
	)
	switch method {
	case "", "tmm":
		ref := -1
		if refSample != "" {
			i, ok := t.SampleIndex(refSample)
			if !ok {
				return fmt.Errorf("unknown reference sample %q", refSample)
			}
			ref = i
		}
		factors, err = tmmFactors(cols, ref)
	case "rle":
		factors, err = rleFactors(cols)
	case "upperquartile":
		factors, err = upperQuartileFactors(cols)
	case "none":
		factors = make([]float64, ns)
		for i := range factors {
			factors[i] = 1
		}
	default:
		return fmt.Errorf("unknown scaling method %q", method)
	}
	if err != nil {
		return err
	}
	for s, f := range factors {
		if !(f > 0) || math.IsInf(f, 0) {
			log.Warnf("sample %q: degenerate scaling factor %v, using 1", t.Samples[s], f)
			factors[s] = 1
		}
	}

	cpm := make([]float64, t.NRows())
	for g := range t.Genes {
		for s := 0; s < ns; s++ {
			cpm[g*ns+s] = float64(t.Counts[g*ns+s]) * 1e6 / (lib[s] * factors[s])
		}
	}
	if err := t.setSampleFloats("libsize", lib); err != nil {
		return err
	}
	if err := t.setSampleFloats("normfactor", factors); err != nil {
		return err
	}
	return t.setCellFloats("cpm", cpm)
}

// geometricMeanScaled divides the factors by the geometric mean of
// the finite positive ones, so they multiply to one across samples.
func geometricMeanScaled(f []float64) []float64 {
	var sum float64
	var n int
	for _, v := range f {
		if v > 0 && !math.IsInf(v, 0) {
			sum += math.Log(v)
			n++
		}
	}
	if n == 0 {
		return f
	}
	gm := math.Exp(sum / float64(n))
	for i, v := range f {
		f[i] = v / gm
	}
	return f
}

// colSums returns the per-column totals of the kept-gene vectors.
func colSums(cols [][]float64) []float64 {
	size := make([]float64, len(cols))
	for i, col := range cols {
		for _, v := range col {
			size[i] += v
		}
	}
	return size
}

// upperQuartile returns the 75th percentile of the nonzero,
// size-normalised values of one column (R-7 interpolation via the
// stats package).
func upperQuartile(col []float64, size float64) (float64, error) {
	y := make([]float64, 0, len(col))
	for _, v := range col {
		if v > 0 {
			y = append(y, v/size)
		}
	}
	if len(y) == 0 {
		return 0, fmt.Errorf("no nonzero counts in column")
	}
	return stats.Percentile(y, 75)
}

// tmmRef picks the reference column: the one whose upper quartile is
// closest to the mean upper quartile.
func tmmRef(cols [][]float64, size []float64) (int, error) {
	q := make([]float64, len(cols))
	var mean float64
	for i, col := range cols {
		v, err := upperQuartile(col, size[i])
		if err != nil {
			return 0, fmt.Errorf("sample column %d: %w", i, err)
		}
		q[i] = v
		mean += v
	}
	mean /= float64(len(q))
	ref, best := 0, math.Inf(1)
	for i, v := range q {
		if d := math.Abs(v - mean); d < best {
			best, ref = d, i
		}
	}
	return ref, nil
}

// tmmFactors computes trimmed-mean-of-M-values factors against the
// reference column (ref < 0 selects one by the upper-quartile rule).
// Per-gene log ratios M and average intensities A are computed on
// size-normalised counts; genes infinite or NaN in either, or with A
// below the floor, are rejected; the upper and lower tails of both
// rankings are trimmed; the surviving ratios are averaged with
// inverse asymptotic-variance weights.
func tmmFactors(cols [][]float64, ref int) ([]float64, error) {
	size := colSums(cols)
	if ref < 0 {
		var err error
		ref, err = tmmRef(cols, size)
		if err != nil {
			return nil, err
		}
	}
	refCol := cols[ref]
	invSizeRef := 1 / size[ref]

	f := make([]float64, len(cols))
	for k, col := range cols {
		if equalFloats(col, refCol) {
			f[k] = 1
			continue
		}
		invSize := 1 / size[k]
		var logRat, logInt, asmVar []float64
		for i := range col {
			m := math.Log2((col[i] * invSize) / (refCol[i] * invSizeRef))
			a := math.Log2(col[i]*invSize*refCol[i]*invSizeRef) / 2
			if a < tmmMinA || math.IsInf(m, 0) || math.IsNaN(m) || math.IsInf(a, 0) || math.IsNaN(a) {
				continue
			}
			logRat = append(logRat, m)
			logInt = append(logInt, a)
			asmVar = append(asmVar, (size[k]-col[i])*invSize/col[i]+(size[ref]-refCol[i])*invSizeRef/refCol[i])
		}
		n := float64(len(logRat))
		minRat := math.Floor(n * tmmLogRatioTrim)
		maxRat := n - minRat - 1
		minInt := math.Floor(n * tmmSumTrim)
		maxInt := n - minInt - 1

		rRat := rankWithTies(logRat)
		rInt := rankWithTies(logInt)
		var num, den float64
		for i := range logRat {
			if rRat[i] < minRat || rRat[i] > maxRat || rInt[i] < minInt || rInt[i] > maxInt {
				continue
			}
			num += logRat[i] / asmVar[i]
			den += 1 / asmVar[i]
		}
		f[k] = math.Pow(2, num/den)
	}
	return geometricMeanScaled(f), nil
}

// rleFactors computes relative-log-expression factors: the median
// ratio of each column to the per-gene geometric mean, normalised by
// column size.
func rleFactors(cols [][]float64) ([]float64, error) {
	size := colSums(cols)
	ngenes := len(cols[0])

	// Per-gene geometric means; zero when any column is zero there.
	gm := make([]float64, ngenes)
	for i := 0; i < ngenes; i++ {
		var sum float64
		ok := true
		for _, col := range cols {
			if col[i] == 0 {
				ok = false
				break
			}
			sum += math.Log(col[i])
		}
		if ok {
			gm[i] = math.Exp(sum / float64(len(cols)))
		}
	}

	f := make([]float64, len(cols))
	ratios := make([]float64, 0, ngenes)
	for j, col := range cols {
		ratios = ratios[:0]
		for i, v := range col {
			if gm[i] == 0 {
				continue
			}
			ratios = append(ratios, v/gm[i])
		}
		if len(ratios) == 0 {
			return nil, fmt.Errorf("sample column %d shares no nonzero genes with the rest", j)
		}
		med, err := stats.Median(ratios)
		if err != nil {
			return nil, err
		}
		f[j] = med / size[j]
	}
	return geometricMeanScaled(f), nil
}

func upperQuartileFactors(cols [][]float64) ([]float64, error) {
	size := colSums(cols)
	f := make([]float64, len(cols))
	for i, col := range cols {
		q, err := upperQuartile(col, size[i])
		if err != nil {
			return nil, fmt.Errorf("sample column %d: %w", i, err)
		}
		f[i] = q
	}
	return geometricMeanScaled(f), nil
}

func equalFloats(a, b []float64) bool {
	for i, v := range a {
		if b[i] != v {
			return false
		}
	}
	return true
}

// rankWithTies returns zero-based sample ranks, ties ranked as the
// mean rank of coequal values.
func rankWithTies(f []float64) []float64 {
	idx := make([]int, len(f))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return f[idx[i]] < f[idx[j]] })
	ranks := make([]float64, len(f))
	for pos := 0; pos < len(idx); {
		end := pos
		for end+1 < len(idx) && f[idx[end+1]] == f[idx[pos]] {
			end++
		}
		mean := float64(pos+end) / 2
		for k := pos; k <= end; k++ {
			ranks[idx[k]] = mean
		}
		pos = end + 1
	}
	return ranks
}

// LogCPM builds the log2(CPM + 0.5) matrix over the unflagged genes
// (rows) by samples (columns), the input to PCA, MDS and variance
// ranking. Requires ComputeScaling to have run.
func LogCPM(t *AbundanceTable) (*mat.Dense, []int, error) {
	cpm, ok := t.CellNum["cpm"]
	if !ok {
		return nil, nil, fmt.Errorf("no scaled abundance column; run the scaling stage first")
	}
	keep := keptGenes(t)
	ns := len(t.Samples)
	m := mat.NewDense(len(keep), ns, nil)
	for i, g := range keep {
		for s := 0; s < ns; s++ {
			m.Set(i, s, math.Log2(cpm[g*ns+s]+0.5))
		}
	}
	return m, keep, nil
}

// geneVariances returns the per-row sample variance of a matrix.
func geneVariances(m *mat.Dense) []float64 {
	rows, _ := m.Dims()
	out := make([]float64, rows)
	for i := 0; i < rows; i++ {
		out[i] = stat.Variance(m.RawRowView(i), nil)
	}
	return out
}

type normcmd struct {
	method string
	ref    string
}

func (cmd *normcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.method, "method", "tmm", "scaling `method`: tmm, rle, upperquartile, or none")
	flags.StringVar(&cmd.ref, "ref", "", "reference `sample` for tmm (default: chosen by upper-quartile rule)")
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
	err = ComputeScaling(t, cmd.method, cmd.ref)
	if err != nil {
		return 1
	}
	err = saveTableFile(stdout, *outputFilename, t)
	if err != nil {
		return 1
	}
	return 0
}
