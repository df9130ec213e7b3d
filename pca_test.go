// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"math"

	"gopkg.in/check.v1"
)

type pcaSuite struct{}

var _ = check.Suite(&pcaSuite{})

// clusteredTable builds two clearly separated sample clusters:
// samples a1,a2 express the first half of the genes, b1,b2 the
// second half.
func clusteredTable(c *check.C) *AbundanceTable {
	genes := make([]string, 20)
	counts := make([][]int64, 20)
	for g := range genes {
		genes[g] = "G" + string(rune('a'+g))
		hi := int64(1000 + 13*g)
		lo := int64(10 + g%3)
		if g < 10 {
			counts[g] = []int64{hi, hi + 7, lo, lo + 1}
		} else {
			counts[g] = []int64{lo, lo + 1, hi, hi + 5}
		}
	}
	t, err := NewAbundanceTable(genes, []string{"a1", "a2", "b1", "b2"}, counts)
	c.Assert(err, check.IsNil)
	err = t.SetSampleStrings("group", map[string]string{"a1": "a", "a2": "a", "b1": "b", "b2": "b"})
	c.Assert(err, check.IsNil)
	c.Assert(ComputeScaling(t, "none", ""), check.IsNil)
	return t
}

func (s *pcaSuite) TestReducePCA(c *check.C) {
	t := clusteredTable(c)
	err := Reduce(t, 2, "pca")
	c.Assert(err, check.IsNil)

	pc1 := t.SampleNum["pc1"]
	c.Assert(pc1, check.HasLen, 4)
	c.Check(t.SampleNum["pc2"], check.HasLen, 4)

	// The first component separates the two clusters: within-cluster
	// distances are small compared to across-cluster distances.
	within := math.Abs(pc1[0]-pc1[1]) + math.Abs(pc1[2]-pc1[3])
	across := math.Abs(pc1[0] - pc1[2])
	c.Check(within < across, check.Equals, true)

	c.Assert(t.ComponentVar, check.HasLen, 2)
	for _, v := range t.ComponentVar {
		c.Check(v >= 0 && v <= 1, check.Equals, true)
	}
	c.Check(t.ComponentVar[0] >= t.ComponentVar[1], check.Equals, true)
	// Almost all variance lives on the cluster axis.
	c.Check(t.ComponentVar[0] > 0.5, check.Equals, true)
}

func (s *pcaSuite) TestReduceMDS(c *check.C) {
	t := clusteredTable(c)
	err := Reduce(t, 2, "mds")
	c.Assert(err, check.IsNil)

	pc1 := t.SampleNum["pc1"]
	within := math.Abs(pc1[0]-pc1[1]) + math.Abs(pc1[2]-pc1[3])
	across := math.Abs(pc1[0] - pc1[2])
	c.Check(within < across, check.Equals, true)

	c.Assert(t.ComponentVar, check.HasLen, 2)
	c.Check(t.ComponentVar[0] >= t.ComponentVar[1], check.Equals, true)
}

func (s *pcaSuite) TestReduceErrors(c *check.C) {
	t := clusteredTable(c)
	err := Reduce(t, 5, "pca")
	c.Check(err, check.ErrorMatches, `cannot compute 5 components from 4 samples`)

	err = Reduce(t, 0, "pca")
	c.Check(err, check.ErrorMatches, `component count 0 out of range`)

	err = Reduce(t, 2, "tsne")
	c.Check(err, check.ErrorMatches, `unknown reduction method "tsne"`)
}

func (s *pcaSuite) TestReduceBroadcast(c *check.C) {
	t := clusteredTable(c)
	c.Assert(Reduce(t, 2, "pca"), check.IsNil)
	// Coordinates are per-sample columns; the table shape is intact.
	c.Check(t.NRows(), check.Equals, 80)
	c.Check(t.CheckConsistent(), check.IsNil)
}
