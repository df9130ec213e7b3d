// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

func (s *pipelineSuite) run(c *check.C, args ...string) {
	var stdout, stderr bytes.Buffer
	exited := handler.RunCommand("seqlens", args, bytes.NewReader(nil), &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%v: %s", args, stderr.String()))
}

// runPipeline drives the subcommands end to end through intermediate
// table artifacts on disk, and returns the directory.
func (s *pipelineSuite) runPipeline(c *check.C) string {
	tmpdir := c.MkDir()
	s.run(c, "import",
		"-counts", "testdata/counts.tsv",
		"-samples", "testdata/samples.csv",
		"-genes", "testdata/genes.csv",
		"-trim-prefix", "run1_",
		"-o", tmpdir+"/imported.gob")
	s.run(c, "filter",
		"-group", "group",
		"-i", tmpdir+"/imported.gob",
		"-o", tmpdir+"/filtered.gob")
	s.run(c, "norm",
		"-method", "tmm",
		"-i", tmpdir+"/filtered.gob",
		"-o", tmpdir+"/normed.gob.gz")
	s.run(c, "pca",
		"-components", "2",
		"-i", tmpdir+"/normed.gob.gz",
		"-o", tmpdir+"/pca.gob")
	s.run(c, "difftest",
		"-formula", "0 + group",
		"-contrast", "grouptreated - groupuntreated",
		"-threads", "2",
		"-i", tmpdir+"/pca.gob",
		"-o", tmpdir+"/tested.gob")
	return tmpdir
}

func (s *pipelineSuite) TestPipeline(c *check.C) {
	tmpdir := s.runPipeline(c)

	f, err := os.Open(tmpdir + "/tested.gob")
	c.Assert(err, check.IsNil)
	defer f.Close()
	t, err := LoadTable(f, false)
	c.Assert(err, check.IsNil)

	c.Check(t.Genes, check.HasLen, 8)
	c.Check(t.Samples, check.DeepEquals, []string{"s1", "s2", "s3", "s4"})
	c.Check(t.NRows(), check.Equals, 32)
	c.Check(t.GeneStr["symbol"][2], check.Equals, "IL6")
	c.Check(t.SampleStr["group"], check.DeepEquals, []string{"treated", "treated", "untreated", "untreated"})
	c.Check(t.SampleNum["age"][3], check.Equals, 52.0)

	// Only the near-empty gene is flagged.
	c.Check(t.GeneFlag["low"], check.DeepEquals, []bool{false, false, false, false, true, false, false, false})

	// Every stage decorated the table without touching the raw counts.
	c.Check(t.Counts[0], check.Equals, int64(500))
	c.Check(t.SampleNum["libsize"][0], check.Equals, 6652.0)
	c.Check(t.SampleNum["normfactor"], check.HasLen, 4)
	c.Check(t.SampleNum["pc1"], check.HasLen, 4)
	c.Check(t.SampleNum["pc2"], check.HasLen, 4)
	c.Check(t.ComponentVar, check.HasLen, 2)

	// The contrast is treated minus untreated, so the gene inflated
	// in treated samples moves up and the deflated one moves down.
	c.Check(t.GeneNum["logfc"][2] > 1, check.Equals, true)
	c.Check(t.GeneNum["logfc"][3] < -1, check.Equals, true)
	c.Check(math.IsNaN(t.GeneNum["logfc"][4]), check.Equals, true)
	for g := range t.Genes {
		if g == 4 {
			continue
		}
		p := t.GeneNum["pvalue"][g]
		c.Check(p > 0 && p <= 1, check.Equals, true, check.Commentf("gene %s p=%v", t.Genes[g], p))
	}
}

func (s *pipelineSuite) TestStatsOutput(c *check.C) {
	tmpdir := s.runPipeline(c)
	s.run(c, "stats", "-i", tmpdir+"/tested.gob", "-o", tmpdir+"/stats.json")

	buf, err := os.ReadFile(tmpdir + "/stats.json")
	c.Assert(err, check.IsNil)
	var ret struct {
		Genes             int
		Samples           int
		Rows              int
		LowAbundanceGenes int
		LibrarySizes      map[string]float64
		NormFactors       map[string]float64
		ComponentVariance []float64
		SignificantGenes  *int
	}
	c.Assert(json.Unmarshal(buf, &ret), check.IsNil)
	c.Check(ret.Genes, check.Equals, 8)
	c.Check(ret.Samples, check.Equals, 4)
	c.Check(ret.Rows, check.Equals, 32)
	c.Check(ret.LowAbundanceGenes, check.Equals, 1)
	c.Check(ret.LibrarySizes["s1"], check.Equals, 6652.0)
	c.Check(ret.NormFactors, check.HasLen, 4)
	c.Check(ret.ComponentVariance, check.HasLen, 2)
	c.Assert(ret.SignificantGenes, check.NotNil)
	c.Check(*ret.SignificantGenes >= 0, check.Equals, true)
}

func (s *pipelineSuite) TestTopVariableBranch(c *check.C) {
	tmpdir := s.runPipeline(c)
	s.run(c, "topvar", "-n", "3", "-i", tmpdir+"/normed.gob.gz", "-o", tmpdir+"/top.gob")

	f, err := os.Open(tmpdir + "/top.gob")
	c.Assert(err, check.IsNil)
	defer f.Close()
	t, err := LoadTable(f, false)
	c.Assert(err, check.IsNil)
	c.Check(t.Genes, check.HasLen, 3)
	c.Check(t.Samples, check.HasLen, 4)
	c.Check(t.NRows(), check.Equals, 12)
	// The two contrived high-variance genes survive the cut.
	genes := strings.Join(t.Genes, ",")
	c.Check(strings.Contains(genes, "ENSG03"), check.Equals, true)
	c.Check(strings.Contains(genes, "ENSG04"), check.Equals, true)
	// Sample metadata and scaling columns survive the subset.
	c.Check(t.SampleNum["libsize"][0], check.Equals, 6652.0)
	c.Check(t.GeneStr["symbol"], check.HasLen, 3)
	c.Check(t.CheckConsistent(), check.IsNil)
}

func (s *pipelineSuite) TestNumpyExport(c *check.C) {
	tmpdir := s.runPipeline(c)
	s.run(c, "export-numpy",
		"-kind", "logcpm",
		"-drop-low",
		"-i", tmpdir+"/tested.gob",
		"-o", tmpdir+"/logcpm.npy",
		"-output-genes", tmpdir+"/genes.txt",
		"-output-samples", tmpdir+"/samples.txt")

	npy, err := os.ReadFile(tmpdir + "/logcpm.npy")
	c.Assert(err, check.IsNil)
	c.Check(bytes.HasPrefix(npy, []byte("\x93NUMPY")), check.Equals, true)

	genes, err := os.ReadFile(tmpdir + "/genes.txt")
	c.Assert(err, check.IsNil)
	c.Check(strings.Split(strings.TrimRight(string(genes), "\n"), "\n"), check.HasLen, 7)
	samples, err := os.ReadFile(tmpdir + "/samples.txt")
	c.Assert(err, check.IsNil)
	c.Check(string(samples), check.Equals, "s1\ns2\ns3\ns4\n")
}

func (s *pipelineSuite) TestPlotOutput(c *check.C) {
	tmpdir := s.runPipeline(c)
	s.run(c, "plot",
		"-x", "1", "-y", "2", "-color", "group",
		"-i", tmpdir+"/tested.gob",
		"-o", tmpdir+"/pca.png")
	buf, err := os.ReadFile(tmpdir + "/pca.png")
	c.Assert(err, check.IsNil)
	c.Check(bytes.HasPrefix(buf, []byte("\x89PNG")), check.Equals, true)
}
