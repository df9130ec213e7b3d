// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"math"
	"runtime"
	"sort"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.PoissonFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	OffsetVar:      "offset",
	Log:            stdlog.New(io.Discard, "", 0),
}

// FitDiffTest fits one log-link GLM per unflagged gene over the
// samples, with the effective library size as offset, and tests the
// given contrast with a quasi-likelihood F-test: the deviance drop
// from the contrast's null-space model over the Pearson dispersion of
// the full model. Writes gene columns "logfc" (log2 fold change of
// the contrast), "pvalue", "padj" (Benjamini-Hochberg), and the
// "sig" flag (padj <= alpha). Genes flagged low-abundance get NaN
// statistics and sig=false.
func FitDiffTest(t *AbundanceTable, formula, contrastExpr string, alpha float64, threads int) error {
	lib, ok1 := t.SampleNum["libsize"]
	factor, ok2 := t.SampleNum["normfactor"]
	if !ok1 || !ok2 {
		return fmt.Errorf("no scaling factors; run the scaling stage first")
	}
	if alpha <= 0 || alpha > 1 {
		return fmt.Errorf("significance threshold %v out of range", alpha)
	}
	if threads < 1 {
		threads = runtime.NumCPU()
	}
	design, err := BuildDesign(t, formula)
	if err != nil {
		return err
	}
	contrast, err := design.ParseContrast(contrastExpr)
	if err != nil {
		return err
	}
	reduced, err := design.reducedDesign(contrast)
	if err != nil {
		return err
	}
	n := len(t.Samples)
	p := len(design.Names)
	if n-p < 1 {
		return fmt.Errorf("design with %d columns leaves no residual degrees of freedom for %d samples", p, n)
	}

	offset := make([]float64, n)
	for s := 0; s < n; s++ {
		offset[s] = math.Log(lib[s] * factor[s])
	}

	ngenes := len(t.Genes)
	logfc := nanSlice(ngenes)
	pvals := nanSlice(ngenes)
	low := t.GeneFlag["low"]

	var tt throttle
	tt.Max = threads
	for g := 0; g < ngenes; g++ {
		if low != nil && low[g] {
			continue
		}
		g := g
		tt.Go(func() error {
			y := make([]float64, n)
			for s := 0; s < n; s++ {
				y[s] = float64(t.Counts[g*n+s])
			}
			lfc, pv := testGene(y, design.X, reduced, contrast.Coef, offset)
			logfc[g] = lfc
			pvals[g] = pv
			return nil
		})
	}
	if err := tt.Wait(); err != nil {
		return err
	}

	padj := benjaminiHochberg(pvals)
	sig := make([]bool, ngenes)
	nsig := 0
	for g := range sig {
		if !math.IsNaN(padj[g]) && padj[g] <= alpha {
			sig[g] = true
			nsig++
		}
	}
	log.Infof("differential test %q: %d of %d genes significant at padj <= %v", contrastExpr, nsig, ngenes, alpha)

	if err := t.setGeneFloats("logfc", logfc); err != nil {
		return err
	}
	if err := t.setGeneFloats("pvalue", pvals); err != nil {
		return err
	}
	if err := t.setGeneFloats("padj", padj); err != nil {
		return err
	}
	return t.setGeneFlags("sig", sig)
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

// testGene fits the full and reduced models for one gene and returns
// the contrast log2 fold change and the F-test p-value. Fit failures
// (singular weight matrices and the like) surface as NaN.
func testGene(y []float64, full, reduced *mat.Dense, coef, offset []float64) (lfc, pvalue float64) {
	lfc, pvalue = math.NaN(), math.NaN()
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular"
			lfc, pvalue = math.NaN(), math.NaN()
		}
	}()

	n := len(y)
	_, p := full.Dims()
	betaFull, muFull, err := fitPoisson(y, full, offset)
	if err != nil {
		return
	}
	var dot float64
	for j, b := range betaFull {
		dot += coef[j] * b
	}
	lfc = dot / math.Ln2

	_, muRed, err := fitPoisson(y, reduced, offset)
	if err != nil {
		return
	}
	dFull := poissonDeviance(y, muFull)
	dRed := poissonDeviance(y, muRed)
	df2 := float64(n - p)
	phi := pearsonDispersion(y, muFull, df2)
	if phi < 1e-8 {
		phi = 1e-8
	}
	f := (dRed - dFull) / phi
	if f < 0 {
		f = 0
	}
	pvalue = distuv.F{D1: 1, D2: df2}.Survival(f)
	if pvalue < 0 {
		pvalue = 0
	} else if pvalue > 1 {
		pvalue = 1
	}
	return
}

// fitPoisson fits a log-link Poisson GLM of y on the columns of x
// with the given offset, returning the coefficients and fitted means.
// A nil x is the offset-only model.
func fitPoisson(y []float64, x *mat.Dense, offset []float64) (beta, mu []float64, err error) {
	n := len(y)
	p := 0
	if x != nil {
		_, p = x.Dims()
	}
	mu = make([]float64, n)
	if p == 0 {
		for i := range mu {
			mu[i] = math.Exp(offset[i])
		}
		return nil, mu, nil
	}

	data := make([][]statmodel.Dtype, 0, p+2)
	names := make([]string, 0, p+2)
	outcome := make([]statmodel.Dtype, n)
	off := make([]statmodel.Dtype, n)
	for i := 0; i < n; i++ {
		outcome[i] = y[i]
		off[i] = offset[i]
	}
	data = append(data, outcome, off)
	names = append(names, "outcome", "offset")
	for j := 0; j < p; j++ {
		col := make([]statmodel.Dtype, n)
		for i := 0; i < n; i++ {
			col[i] = x.At(i, j)
		}
		data = append(data, col)
		names = append(names, fmt.Sprintf("x%d", j))
	}
	dataset := statmodel.NewDataset(data, names)
	model, err := glm.NewGLM(dataset, "outcome", names[2:], glmConfig)
	if err != nil {
		return nil, nil, err
	}
	result := model.Fit()
	beta = result.Params()

	for i := 0; i < n; i++ {
		eta := offset[i]
		for j := 0; j < p; j++ {
			eta += x.At(i, j) * beta[j]
		}
		mu[i] = math.Exp(eta)
	}
	return beta, mu, nil
}

// poissonDeviance is 2 sum[y log(y/mu) - (y - mu)], with the y=0
// limit 2 mu.
func poissonDeviance(y, mu []float64) float64 {
	var d float64
	for i, yi := range y {
		m := mu[i]
		if m <= 0 {
			m = 1e-300
		}
		if yi > 0 {
			d += yi*math.Log(yi/m) - (yi - m)
		} else {
			d += m
		}
	}
	return 2 * d
}

func pearsonDispersion(y, mu []float64, df float64) float64 {
	var x2 float64
	for i, yi := range y {
		m := mu[i]
		if m <= 0 {
			m = 1e-300
		}
		d := yi - m
		x2 += d * d / m
	}
	return x2 / df
}

// benjaminiHochberg adjusts p-values for false discovery rate
// control. NaN entries stay NaN and do not count toward the number of
// tests.
func benjaminiHochberg(p []float64) []float64 {
	idx := make([]int, 0, len(p))
	for i, v := range p {
		if !math.IsNaN(v) {
			idx = append(idx, i)
		}
	}
	m := len(idx)
	adj := nanSlice(len(p))
	if m == 0 {
		return adj
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })
	min := 1.0
	for rank := m; rank >= 1; rank-- {
		i := idx[rank-1]
		v := p[i] * float64(m) / float64(rank)
		if v < min {
			min = v
		}
		adj[i] = min
	}
	return adj
}

type difftestcmd struct {
	formula  string
	contrast string
	alpha    float64
	threads  int
}

func (cmd *difftestcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.formula, "formula", "", "design `formula` over sample metadata columns, e.g. \"0 + group\"")
	flags.StringVar(&cmd.contrast, "contrast", "", "`contrast` over design columns, e.g. \"grouptreated - groupcontrol\"")
	flags.Float64Var(&cmd.alpha, "alpha", 0.05, "adjusted p-value threshold for the significance flag")
	flags.IntVar(&cmd.threads, "threads", 0, "number of concurrent model fits (0 = all CPUs)")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.formula == "" || cmd.contrast == "" {
		fmt.Fprintln(stderr, "cannot test without -formula and -contrast arguments")
		return 2
	}

	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	t, err := loadTableFile(stdin, *inputFilename)
	if err != nil {
		return 1
	}
	err = FitDiffTest(t, cmd.formula, cmd.contrast, cmd.alpha, cmd.threads)
	if err != nil {
		return 1
	}
	err = saveTableFile(stdout, *outputFilename, t)
	if err != nil {
		return 1
	}
	return 0
}
