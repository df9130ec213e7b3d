package seqlens

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input table `file`")
	outputFilename := flags.String("o", "-", "output `file`")
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

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = createFile(*outputFilename)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = doStats(t, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func doStats(t *AbundanceTable, output io.Writer) error {
	var ret struct {
		Genes             int
		Samples           int
		Rows              int
		LowAbundanceGenes int
		LibrarySizes      map[string]float64 `json:",omitempty"`
		NormFactors       map[string]float64 `json:",omitempty"`
		ComponentVariance []float64          `json:",omitempty"`
		SignificantGenes  *int               `json:",omitempty"`
	}
	ret.Genes = t.NGenes()
	ret.Samples = t.NSamples()
	ret.Rows = t.NRows()
	if low, ok := t.GeneFlag["low"]; ok {
		for _, v := range low {
			if v {
				ret.LowAbundanceGenes++
			}
		}
	}
	if lib, ok := t.SampleNum["libsize"]; ok {
		ret.LibrarySizes = map[string]float64{}
		for s, sample := range t.Samples {
			ret.LibrarySizes[sample] = lib[s]
		}
	}
	if f, ok := t.SampleNum["normfactor"]; ok {
		ret.NormFactors = map[string]float64{}
		for s, sample := range t.Samples {
			ret.NormFactors[sample] = f[s]
		}
	}
	ret.ComponentVariance = t.ComponentVar
	if sig, ok := t.GeneFlag["sig"]; ok {
		n := 0
		for _, v := range sig {
			if v {
				n++
			}
		}
		ret.SignificantGenes = &n
	}
	enc := json.NewEncoder(output)
	enc.SetIndent("", "  ")
	return enc.Encode(ret)
}
