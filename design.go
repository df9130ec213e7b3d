// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Design is a full-rank model matrix over the sample metadata, one
// row per sample.
type Design struct {
	Names []string
	X     *mat.Dense
}

// BuildDesign expands a formula like "0 + group + line" into a design
// matrix. Terms name sample metadata columns: string columns expand
// to level indicators, numeric columns enter as-is. A leading "0"
// suppresses the intercept; otherwise an intercept column is included
// and every factor drops its first (baseline) level. Without an
// intercept the first factor keeps all its levels and later factors
// still drop their baseline. Rank deficiency is fatal, with the
// confounded columns named.
func BuildDesign(t *AbundanceTable, formula string) (*Design, error) {
	terms := strings.Split(formula, "+")
	intercept := true
	var names []string
	var cols [][]float64
	factorSeen := false
	for i, term := range terms {
		term = strings.TrimSpace(term)
		switch {
		case term == "":
			return nil, fmt.Errorf("empty term in formula %q", formula)
		case term == "0" || term == "-1":
			if i != 0 {
				return nil, fmt.Errorf("intercept suppression must be the first term in %q", formula)
			}
			intercept = false
			continue
		case term == "1":
			continue
		}
		if sv, ok := t.SampleStr[term]; ok {
			levels := uniqueLevels(sv)
			if len(levels) < 2 {
				return nil, fmt.Errorf("factor %q has fewer than two levels", term)
			}
			drop := intercept || factorSeen
			for li, level := range levels {
				if drop && li == 0 {
					continue
				}
				col := make([]float64, len(sv))
				for s, v := range sv {
					if v == level {
						col[s] = 1
					}
				}
				names = append(names, term+level)
				cols = append(cols, col)
			}
			factorSeen = true
		} else if nv, ok := t.SampleNum[term]; ok {
			names = append(names, term)
			cols = append(cols, append([]float64(nil), nv...))
		} else {
			return nil, fmt.Errorf("formula term %q is not a sample metadata column", term)
		}
	}
	if intercept {
		one := make([]float64, len(t.Samples))
		for i := range one {
			one[i] = 1
		}
		names = append([]string{"intercept"}, names...)
		cols = append([][]float64{one}, cols...)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("formula %q produced no design columns", formula)
	}
	if len(cols) > len(t.Samples) {
		return nil, fmt.Errorf("design has %d columns but only %d samples", len(cols), len(t.Samples))
	}

	x := mat.NewDense(len(t.Samples), len(cols), nil)
	for j, col := range cols {
		for s, v := range col {
			x.Set(s, j, v)
		}
	}
	d := &Design{Names: names, X: x}
	if err := d.checkRank(); err != nil {
		return nil, err
	}
	return d, nil
}

func uniqueLevels(vals []string) []string {
	seen := map[string]bool{}
	var levels []string
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			levels = append(levels, v)
		}
	}
	sort.Strings(levels)
	return levels
}

// checkRank verifies the design matrix has full column rank, naming
// the columns involved in a linear dependency otherwise.
func (d *Design) checkRank() error {
	var svd mat.SVD
	if !svd.Factorize(d.X, mat.SVDThin) {
		return fmt.Errorf("design matrix SVD failed")
	}
	vals := svd.Values(nil)
	rows, cols := d.X.Dims()
	tol := float64(maxInt(rows, cols)) * vals[0] * 1e-14
	rank := 0
	for _, v := range vals {
		if v > tol {
			rank++
		}
	}
	if rank == cols {
		return nil
	}
	// Name the columns with large loadings in the null space.
	var v mat.Dense
	svd.VTo(&v)
	involved := map[string]bool{}
	for j := rank; j < cols; j++ {
		var max float64
		for i := 0; i < cols; i++ {
			if a := math.Abs(v.At(i, j)); a > max {
				max = a
			}
		}
		for i := 0; i < cols; i++ {
			if math.Abs(v.At(i, j)) > 0.3*max {
				involved[d.Names[i]] = true
			}
		}
	}
	var names []string
	for n := range involved {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Errorf("design matrix is not full rank (rank %d, %d columns): confounded columns: %s",
		rank, cols, strings.Join(names, ", "))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Contrast is a linear combination of design coefficients.
type Contrast struct {
	Expr string
	Coef []float64
}

// ParseContrast parses expressions like "grouptreated - groupcontrol"
// or "0.5*a + 0.5*b - c" against the design's column names.
func (d *Design) ParseContrast(expr string) (Contrast, error) {
	c := Contrast{Expr: expr, Coef: make([]float64, len(d.Names))}
	index := map[string]int{}
	for i, n := range d.Names {
		index[n] = i
	}
	rest := strings.TrimSpace(expr)
	if rest == "" {
		return c, fmt.Errorf("empty contrast")
	}
	sign := 1.0
	if strings.HasPrefix(rest, "-") {
		sign = -1
		rest = rest[1:]
	}
	any := false
	for {
		rest = strings.TrimSpace(rest)
		end := strings.IndexAny(rest, "+-")
		term := rest
		if end >= 0 {
			term = rest[:end]
		}
		term = strings.TrimSpace(term)
		coef := sign
		name := term
		if star := strings.Index(term, "*"); star >= 0 {
			f, err := strconv.ParseFloat(strings.TrimSpace(term[:star]), 64)
			if err != nil {
				return c, fmt.Errorf("bad coefficient in contrast term %q", term)
			}
			coef = sign * f
			name = strings.TrimSpace(term[star+1:])
		}
		i, ok := index[name]
		if !ok {
			return c, fmt.Errorf("contrast names %q, which is not a design column (have %s)",
				name, strings.Join(d.Names, ", "))
		}
		c.Coef[i] += coef
		any = true
		if end < 0 {
			break
		}
		if rest[end] == '-' {
			sign = -1
		} else {
			sign = 1
		}
		rest = rest[end+1:]
	}
	if !any {
		return c, fmt.Errorf("empty contrast %q", expr)
	}
	nonzero := false
	for _, v := range c.Coef {
		if v != 0 {
			nonzero = true
		}
	}
	if !nonzero {
		return c, fmt.Errorf("contrast %q cancels to zero", expr)
	}
	return c, nil
}

// reducedDesign projects the design onto the null space of the
// contrast, producing the comparison model for the F-test: same fit
// space except along the tested combination. A single-column design
// reduces to the offset-only model, returned as nil.
func (d *Design) reducedDesign(c Contrast) (*mat.Dense, error) {
	p := len(d.Names)
	if p == 1 {
		return nil, nil
	}
	cv := mat.NewDense(1, p, append([]float64(nil), c.Coef...))
	var svd mat.SVD
	if !svd.Factorize(cv, mat.SVDFullV) {
		return nil, fmt.Errorf("contrast SVD failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	// Null-space basis: all right singular vectors after the first.
	null := v.Slice(0, p, 1, p)
	rows, _ := d.X.Dims()
	reduced := mat.NewDense(rows, p-1, nil)
	reduced.Mul(d.X, null)
	return reduced, nil
}
