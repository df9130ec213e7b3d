// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"gopkg.in/check.v1"
)

type designSuite struct{}

var _ = check.Suite(&designSuite{})

func designTable(c *check.C) *AbundanceTable {
	t, err := NewAbundanceTable(
		[]string{"g1"},
		[]string{"s1", "s2", "s3", "s4"},
		[][]int64{{1, 2, 3, 4}})
	c.Assert(err, check.IsNil)
	err = t.SetSampleStrings("group", map[string]string{
		"s1": "treated", "s2": "treated", "s3": "control", "s4": "control",
	})
	c.Assert(err, check.IsNil)
	err = t.SetSampleStrings("line", map[string]string{
		"s1": "x", "s2": "y", "s3": "x", "s4": "y",
	})
	c.Assert(err, check.IsNil)
	err = t.SetSampleFloats("age", map[string]float64{"s1": 1, "s2": 2, "s3": 3, "s4": 4})
	c.Assert(err, check.IsNil)
	return t
}

func (s *designSuite) TestNoInterceptFactor(c *check.C) {
	t := designTable(c)
	d, err := BuildDesign(t, "0 + group")
	c.Assert(err, check.IsNil)
	c.Check(d.Names, check.DeepEquals, []string{"groupcontrol", "grouptreated"})
	rows, cols := d.X.Dims()
	c.Check(rows, check.Equals, 4)
	c.Check(cols, check.Equals, 2)
	// s1 is treated: indicator in the second column.
	c.Check(d.X.At(0, 0), check.Equals, 0.0)
	c.Check(d.X.At(0, 1), check.Equals, 1.0)
	c.Check(d.X.At(2, 0), check.Equals, 1.0)
}

func (s *designSuite) TestInterceptDropsBaseline(c *check.C) {
	t := designTable(c)
	d, err := BuildDesign(t, "group")
	c.Assert(err, check.IsNil)
	c.Check(d.Names, check.DeepEquals, []string{"intercept", "grouptreated"})
	c.Check(d.X.At(0, 0), check.Equals, 1.0)
	c.Check(d.X.At(0, 1), check.Equals, 1.0)
	c.Check(d.X.At(2, 1), check.Equals, 0.0)
}

func (s *designSuite) TestAdditiveFormula(c *check.C) {
	t := designTable(c)
	d, err := BuildDesign(t, "0 + group + line")
	c.Assert(err, check.IsNil)
	c.Check(d.Names, check.DeepEquals, []string{"groupcontrol", "grouptreated", "liney"})

	d, err = BuildDesign(t, "0 + group + age")
	c.Assert(err, check.IsNil)
	c.Check(d.Names, check.DeepEquals, []string{"groupcontrol", "grouptreated", "age"})
	c.Check(d.X.At(3, 2), check.Equals, 4.0)
}

func (s *designSuite) TestUnknownTerm(c *check.C) {
	t := designTable(c)
	_, err := BuildDesign(t, "0 + treatment")
	c.Check(err, check.ErrorMatches, `formula term "treatment" is not a sample metadata column`)
}

func (s *designSuite) TestRankDeficiency(c *check.C) {
	t := designTable(c)
	// batch repeats the group partition exactly, so the two factors
	// are confounded.
	err := t.SetSampleStrings("batch", map[string]string{
		"s1": "b1", "s2": "b1", "s3": "b2", "s4": "b2",
	})
	c.Assert(err, check.IsNil)
	_, err = BuildDesign(t, "0 + group + batch")
	c.Check(err, check.ErrorMatches, `design matrix is not full rank .*confounded columns: .*`)
}

func (s *designSuite) TestContrast(c *check.C) {
	t := designTable(c)
	d, err := BuildDesign(t, "0 + group")
	c.Assert(err, check.IsNil)

	ct, err := d.ParseContrast("grouptreated - groupcontrol")
	c.Assert(err, check.IsNil)
	c.Check(ct.Coef, check.DeepEquals, []float64{-1, 1})

	ct, err = d.ParseContrast("0.5*grouptreated + 0.5*groupcontrol")
	c.Assert(err, check.IsNil)
	c.Check(ct.Coef, check.DeepEquals, []float64{0.5, 0.5})

	_, err = d.ParseContrast("groupmutant")
	c.Check(err, check.ErrorMatches, `contrast names "groupmutant", which is not a design column .*`)

	_, err = d.ParseContrast("grouptreated - grouptreated")
	c.Check(err, check.ErrorMatches, `contrast .* cancels to zero`)
}

func (s *designSuite) TestReducedDesign(c *check.C) {
	t := designTable(c)
	d, err := BuildDesign(t, "0 + group")
	c.Assert(err, check.IsNil)
	ct, err := d.ParseContrast("grouptreated - groupcontrol")
	c.Assert(err, check.IsNil)
	reduced, err := d.reducedDesign(ct)
	c.Assert(err, check.IsNil)
	rows, cols := reduced.Dims()
	c.Check(rows, check.Equals, 4)
	c.Check(cols, check.Equals, 1)
	// The null space of a difference contrast is the shared mean, so
	// the reduced design no longer distinguishes the groups.
	diff := reduced.At(0, 0) - reduced.At(2, 0)
	if diff < -1e-12 || diff > 1e-12 {
		c.Errorf("reduced design distinguishes groups: %v vs %v", reduced.At(0, 0), reduced.At(2, 0))
	}
}