// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"gopkg.in/check.v1"
)

type filterSuite struct{}

var _ = check.Suite(&filterSuite{})

func scenarioTable(c *check.C) *AbundanceTable {
	t, err := NewAbundanceTable(
		[]string{"geneA", "geneB"},
		[]string{"s1", "s2", "s3", "s4"},
		[][]int64{
			{50, 60, 5, 6},
			{5, 4, 4, 5},
		})
	c.Assert(err, check.IsNil)
	err = t.SetSampleStrings("group", map[string]string{
		"s1": "treated", "s2": "treated", "s3": "untreated", "s4": "untreated",
	})
	c.Assert(err, check.IsNil)
	return t
}

func (s *filterSuite) TestFlagLowAbundance(c *check.C) {
	t := scenarioTable(c)
	err := FlagLowAbundance(t, "group", FilterOptions{})
	c.Assert(err, check.IsNil)

	// Gene A clears the CPM cutoff in all four samples. Gene B
	// reaches it in exactly the two small untreated libraries, which
	// meets the smallest-group default, so it survives too.
	c.Check(t.GeneFlag["low"], check.DeepEquals, []bool{false, false})

	// A higher total-count floor flags gene B (total 18).
	err = FlagLowAbundance(t, "group", FilterOptions{MinTotal: 30})
	c.Assert(err, check.IsNil)
	c.Check(t.GeneFlag["low"], check.DeepEquals, []bool{false, true})

	// Filtering marks, it never deletes.
	c.Check(t.NRows(), check.Equals, 8)
}

func (s *filterSuite) TestMinSamplesDefaultsToSmallestGroup(c *check.C) {
	t, err := NewAbundanceTable(
		[]string{"g1"},
		[]string{"s1", "s2", "s3"},
		[][]int64{{100, 100, 100}})
	c.Assert(err, check.IsNil)
	err = t.SetSampleStrings("group", map[string]string{"s1": "a", "s2": "a", "s3": "b"})
	c.Assert(err, check.IsNil)
	err = FlagLowAbundance(t, "group", FilterOptions{})
	c.Assert(err, check.IsNil)
	c.Check(t.GeneFlag["low"], check.DeepEquals, []bool{false})
}

func (s *filterSuite) TestExplicitMinSamples(c *check.C) {
	t := scenarioTable(c)
	// Demanding the cutoff in more samples than exist is an error.
	err := FlagLowAbundance(t, "group", FilterOptions{MinSamples: 5})
	c.Check(err, check.ErrorMatches, `min-samples 5 exceeds sample count 4`)

	err = FlagLowAbundance(t, "group", FilterOptions{MinSamples: 4})
	c.Assert(err, check.IsNil)
	c.Check(t.GeneFlag["low"], check.DeepEquals, []bool{false, true})
}

func (s *filterSuite) TestMissingGroupColumn(c *check.C) {
	t := scenarioTable(c)
	err := FlagLowAbundance(t, "treatment", FilterOptions{})
	c.Check(err, check.ErrorMatches, `no sample column "treatment" to derive group sizes from`)
}

func (s *filterSuite) TestKeptGenes(c *check.C) {
	t := scenarioTable(c)
	c.Check(keptGenes(t), check.DeepEquals, []int{0, 1})
	err := FlagLowAbundance(t, "group", FilterOptions{MinTotal: 30})
	c.Assert(err, check.IsNil)
	c.Check(keptGenes(t), check.DeepEquals, []int{0})
}
