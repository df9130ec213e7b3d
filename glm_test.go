// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"math"

	"gopkg.in/check.v1"
)

type glmSuite struct{}

var _ = check.Suite(&glmSuite{})

func (s *glmSuite) testedTable(c *check.C, alpha float64) *AbundanceTable {
	t := scenarioTable(c)
	err := FlagLowAbundance(t, "group", FilterOptions{MinTotal: 30})
	c.Assert(err, check.IsNil)
	c.Assert(t.GeneFlag["low"], check.DeepEquals, []bool{false, true})
	c.Assert(ComputeScaling(t, "tmm", ""), check.IsNil)
	err = FitDiffTest(t, "0 + group", "grouptreated - groupuntreated", alpha, 1)
	c.Assert(err, check.IsNil)
	return t
}

func (s *glmSuite) TestScenario(c *check.C) {
	t := s.testedTable(c, 0.05)

	// Gene A is higher in the treated samples: positive log2 fold
	// change, p-value in range.
	logfc := t.GeneNum["logfc"]
	pvals := t.GeneNum["pvalue"]
	c.Check(logfc[0] > 0, check.Equals, true)
	c.Check(pvals[0] > 0 && pvals[0] <= 1, check.Equals, true)

	// Gene B was flagged low-abundance: skipped, NaN statistics,
	// never significant.
	c.Check(math.IsNaN(logfc[1]), check.Equals, true)
	c.Check(math.IsNaN(pvals[1]), check.Equals, true)
	c.Check(math.IsNaN(t.GeneNum["padj"][1]), check.Equals, true)
	c.Check(t.GeneFlag["sig"][1], check.Equals, false)

	// Testing adds columns, never rows.
	c.Check(t.NRows(), check.Equals, 8)
	c.Check(t.CheckConsistent(), check.IsNil)
}

// checkSameFloats compares element by element, treating NaN as equal
// to NaN.
func checkSameFloats(c *check.C, got, want []float64) {
	c.Assert(got, check.HasLen, len(want))
	for i := range want {
		if math.IsNaN(want[i]) {
			c.Check(math.IsNaN(got[i]), check.Equals, true)
		} else {
			c.Check(got[i], check.Equals, want[i])
		}
	}
}

func (s *glmSuite) TestThresholdMonotonicity(c *check.C) {
	loose := s.testedTable(c, 0.9)
	strict := s.testedTable(c, 1e-6)
	// Same padj either way; a lower threshold can only turn
	// significance off.
	checkSameFloats(c, loose.GeneNum["padj"], strict.GeneNum["padj"])
	for g := range loose.Genes {
		if strict.GeneFlag["sig"][g] {
			c.Check(loose.GeneFlag["sig"][g], check.Equals, true)
		}
	}
}

func (s *glmSuite) TestRequiresScaling(c *check.C) {
	t := scenarioTable(c)
	err := FitDiffTest(t, "0 + group", "grouptreated - groupuntreated", 0.05, 1)
	c.Check(err, check.ErrorMatches, `no scaling factors; run the scaling stage first`)
}

func (s *glmSuite) TestRankDeficientDesign(c *check.C) {
	t := scenarioTable(c)
	err := t.SetSampleStrings("batch", map[string]string{
		"s1": "b1", "s2": "b1", "s3": "b2", "s4": "b2",
	})
	c.Assert(err, check.IsNil)
	c.Assert(ComputeScaling(t, "tmm", ""), check.IsNil)
	err = FitDiffTest(t, "0 + group + batch", "grouptreated - groupuntreated", 0.05, 1)
	c.Check(err, check.ErrorMatches, `design matrix is not full rank .*`)
}

func (s *glmSuite) TestNoResidualDF(c *check.C) {
	t := scenarioTable(c)
	err := t.SetSampleStrings("pair", map[string]string{
		"s1": "p1", "s2": "p2", "s3": "p3", "s4": "p4",
	})
	c.Assert(err, check.IsNil)
	c.Assert(ComputeScaling(t, "tmm", ""), check.IsNil)
	err = FitDiffTest(t, "0 + pair", "pairp1 - pairp2", 0.05, 1)
	c.Check(err, check.ErrorMatches, `design with 4 columns leaves no residual degrees of freedom for 4 samples`)
}

func (s *glmSuite) TestBenjaminiHochberg(c *check.C) {
	adj := benjaminiHochberg([]float64{0.01, 0.04, 0.03, 0.02})
	c.Check(adj, check.DeepEquals, []float64{0.04, 0.04, 0.04, 0.04})

	adj = benjaminiHochberg([]float64{0.01, math.NaN(), 0.02})
	c.Check(adj[0], check.Equals, 0.02)
	c.Check(math.IsNaN(adj[1]), check.Equals, true)
	c.Check(adj[2], check.Equals, 0.02)

	adj = benjaminiHochberg([]float64{0.001, 0.5})
	c.Check(adj[0], check.Equals, 0.002)
	c.Check(adj[1], check.Equals, 0.5)
}

func (s *glmSuite) TestPoissonDeviance(c *check.C) {
	// A perfect fit has zero deviance.
	c.Check(poissonDeviance([]float64{3, 7}, []float64{3, 7}), check.Equals, 0.0)
	c.Check(poissonDeviance([]float64{0}, []float64{1e-300}) < 1e-12, check.Equals, true)
	// Misfit is positive.
	c.Check(poissonDeviance([]float64{3, 7}, []float64{5, 5}) > 0, check.Equals, true)
}

func (s *glmSuite) TestParallelFitsMatchSerial(c *check.C) {
	genes := make([]string, 40)
	counts := make([][]int64, 40)
	for g := range genes {
		genes[g] = "G" + string(rune('a'+g%26)) + string(rune('0'+g/26))
		base := int64(20 + 3*g)
		counts[g] = []int64{base, base + 2, base + int64(5*(g%4)), base + 1}
	}
	build := func() *AbundanceTable {
		t, err := NewAbundanceTable(genes, []string{"s1", "s2", "s3", "s4"}, counts)
		c.Assert(err, check.IsNil)
		err = t.SetSampleStrings("group", map[string]string{
			"s1": "a", "s2": "a", "s3": "b", "s4": "b",
		})
		c.Assert(err, check.IsNil)
		c.Assert(FlagLowAbundance(t, "group", FilterOptions{}), check.IsNil)
		c.Assert(ComputeScaling(t, "tmm", ""), check.IsNil)
		return t
	}
	serial := build()
	parallel := build()
	c.Assert(FitDiffTest(serial, "0 + group", "groupb - groupa", 0.05, 1), check.IsNil)
	c.Assert(FitDiffTest(parallel, "0 + group", "groupb - groupa", 0.05, 8), check.IsNil)
	checkSameFloats(c, parallel.GeneNum["pvalue"], serial.GeneNum["pvalue"])
	checkSameFloats(c, parallel.GeneNum["logfc"], serial.GeneNum["logfc"])
	c.Check(parallel.GeneFlag["sig"], check.DeepEquals, serial.GeneFlag["sig"])
}
