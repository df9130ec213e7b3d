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

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Reduce computes k low-dimensional coordinates per sample from the
// logCPM matrix of the unflagged genes, writing sample columns
// "pc1".."pcK" and recording the fraction of variance explained per
// component on the table. Method is "pca" (default) or "mds"
// (classical multidimensional scaling of Euclidean distances).
func Reduce(t *AbundanceTable, k int, method string) error {
	if k < 1 {
		return fmt.Errorf("component count %d out of range", k)
	}
	if k > len(t.Samples) {
		return fmt.Errorf("cannot compute %d components from %d samples", k, len(t.Samples))
	}
	m, _, err := LogCPM(t)
	if err != nil {
		return err
	}
	centerRows(m)

	var (
		coords   *mat.Dense // samples x k
		varfrac  []float64
		totalVar float64
	)
	for _, v := range geneVariances(m) {
		totalVar += v
	}
	switch method {
	case "", "pca":
		coords, err = pcaCoords(m, k)
		if err != nil {
			return err
		}
		varfrac = make([]float64, k)
		for j := 0; j < k; j++ {
			col := make([]float64, len(t.Samples))
			mat.Col(col, j, coords)
			if totalVar > 0 {
				varfrac[j] = stat.Variance(col, nil) / totalVar
			}
		}
	case "mds":
		coords, varfrac, err = mdsCoords(m, k)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown reduction method %q", method)
	}

	for j := 0; j < k; j++ {
		col := make([]float64, len(t.Samples))
		mat.Col(col, j, coords)
		if err := t.setSampleFloats(fmt.Sprintf("pc%d", j+1), col); err != nil {
			return err
		}
	}
	t.ComponentVar = varfrac
	log.Infof("%s: %d components, variance fractions %v", methodName(method), k, varfrac)
	return nil
}

func methodName(method string) string {
	if method == "" {
		return "pca"
	}
	return method
}

// centerRows subtracts the row mean from each row in place.
func centerRows(m *mat.Dense) {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(cols)
		for j := range row {
			row[j] -= mean
		}
	}
}

// pcaCoords fits a PCA on the gene x sample matrix (genes are the
// features, samples the observations) and returns the sample
// coordinates.
func pcaCoords(m *mat.Dense, k int) (*mat.Dense, error) {
	transformer := nlp.NewPCA(k)
	transformer.Fit(m)
	reduced, err := transformer.Transform(m)
	if err != nil {
		return nil, err
	}
	kk, ns := reduced.Dims()
	if kk != k {
		return nil, fmt.Errorf("pca produced %d components, want %d", kk, k)
	}
	coords := mat.NewDense(ns, k, nil)
	for s := 0; s < ns; s++ {
		for j := 0; j < k; j++ {
			coords.Set(s, j, reduced.At(j, s))
		}
	}
	return coords, nil
}

// mdsCoords performs classical (Torgerson) multidimensional scaling:
// double-center the squared Euclidean distance matrix and scale the
// top eigenvectors by the square roots of their eigenvalues.
func mdsCoords(m *mat.Dense, k int) (*mat.Dense, []float64, error) {
	rows, ns := m.Dims()
	b := mat.NewSymDense(ns, nil)
	d2 := make([][]float64, ns)
	for s := range d2 {
		d2[s] = make([]float64, ns)
	}
	cols := make([][]float64, ns)
	for s := 0; s < ns; s++ {
		col := make([]float64, rows)
		mat.Col(col, s, m)
		cols[s] = col
	}
	for s := 0; s < ns; s++ {
		for u := s + 1; u < ns; u++ {
			var sum float64
			for i := range cols[s] {
				d := cols[s][i] - cols[u][i]
				sum += d * d
			}
			d2[s][u] = sum
			d2[u][s] = sum
		}
	}
	rowMean := make([]float64, ns)
	var grand float64
	for s := 0; s < ns; s++ {
		for u := 0; u < ns; u++ {
			rowMean[s] += d2[s][u]
		}
		rowMean[s] /= float64(ns)
		grand += rowMean[s]
	}
	grand /= float64(ns)
	for s := 0; s < ns; s++ {
		for u := s; u < ns; u++ {
			b.SetSym(s, u, -0.5*(d2[s][u]-rowMean[s]-rowMean[u]+grand))
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(b, true) {
		return nil, nil, fmt.Errorf("eigendecomposition failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Eigenvalues come back in ascending order; we want the largest.
	order := make([]int, len(vals))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return vals[order[i]] > vals[order[j]] })

	var posSum float64
	for _, v := range vals {
		if v > 0 {
			posSum += v
		}
	}
	coords := mat.NewDense(ns, k, nil)
	varfrac := make([]float64, k)
	for j := 0; j < k; j++ {
		ev := vals[order[j]]
		if ev < 0 {
			ev = 0
		}
		scale := math.Sqrt(ev)
		for s := 0; s < ns; s++ {
			coords.Set(s, j, vecs.At(s, order[j])*scale)
		}
		if posSum > 0 {
			varfrac[j] = ev / posSum
		}
	}
	return coords, varfrac, nil
}

type pcacmd struct {
	components int
	method     string
}

func (cmd *pcacmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.IntVar(&cmd.components, "components", 4, "number of components")
	flags.StringVar(&cmd.method, "method", "pca", "reduction `method`: pca or mds")
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
	err = Reduce(t, cmd.components, cmd.method)
	if err != nil {
		return 1
	}
	err = saveTableFile(stdout, *outputFilename, t)
	if err != nil {
		return 1
	}
	return 0
}
