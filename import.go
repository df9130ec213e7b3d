package seqlens

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

type importer struct {
	countsFile  string
	samplesFile string
	genesFile   string
	trimPrefix  string
	outputFile  string
}

func (cmd *importer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.countsFile, "counts", "", "count matrix tsv `file` (genes x samples, may be .gz)")
	flags.StringVar(&cmd.samplesFile, "samples", "", "sample sheet csv `file` (first column sample id)")
	flags.StringVar(&cmd.genesFile, "genes", "", "optional gene annotation csv `file` (gene, symbol, chromosome)")
	flags.StringVar(&cmd.trimPrefix, "trim-prefix", "", "strip literal `prefix` from sample identifiers")
	flags.StringVar(&cmd.outputFile, "o", "-", "output table `file`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.countsFile == "" {
		fmt.Fprintln(stderr, "cannot import without -counts argument")
		return 2
	} else if cmd.samplesFile == "" {
		fmt.Fprintln(stderr, "cannot import without -samples argument")
		return 2
	}

	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	t, err := cmd.doImport()
	if err != nil {
		return 1
	}
	err = saveTableFile(stdout, cmd.outputFile, t)
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *importer) doImport() (*AbundanceTable, error) {
	f, err := openFile(cmd.countsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var counts io.Reader = bufio.NewReaderSize(f, 1<<20)
	if strings.HasSuffix(cmd.countsFile, ".gz") {
		gzr, err := pgzip.NewReader(counts)
		if err != nil {
			return nil, err
		}
		defer gzr.Close()
		counts = gzr
	}
	t, err := ReadCounts(counts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.countsFile, err)
	}
	log.Infof("read %d genes x %d samples from %s", t.NGenes(), t.NSamples(), cmd.countsFile)

	if cmd.trimPrefix != "" {
		if err := t.RenameSamples(TrimPrefix(cmd.trimPrefix)); err != nil {
			return nil, err
		}
	}

	sf, err := openFile(cmd.samplesFile)
	if err != nil {
		return nil, err
	}
	defer sf.Close()
	if err := readSampleSheet(t, sf); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.samplesFile, err)
	}

	if cmd.genesFile != "" {
		gf, err := openFile(cmd.genesFile)
		if err != nil {
			return nil, err
		}
		defer gf.Close()
		if err := readGeneAnnotation(t, gf); err != nil {
			return nil, fmt.Errorf("%s: %w", cmd.genesFile, err)
		}
	}
	return t, nil
}

// ReadCounts parses a tab-separated count matrix: header row of
// sample identifiers (first field ignored or "gene"), one row per
// gene with the gene identifier first. Counts must be non-negative
// integers; duplicate identifiers are fatal.
func ReadCounts(r io.Reader) (*AbundanceTable, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<24)
	if !scanner.Scan() {
		return nil, fmt.Errorf("empty count matrix")
	}
	header := strings.Split(scanner.Text(), "\t")
	if len(header) < 2 {
		return nil, fmt.Errorf("count matrix header has no sample columns")
	}
	samples := header[1:]

	var genes []string
	var counts [][]int64
	lineno := 1
	for scanner.Scan() {
		lineno++
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != len(header) {
			return nil, fmt.Errorf("line %d: %d fields, want %d", lineno, len(fields), len(header))
		}
		row := make([]int64, len(samples))
		for i, fv := range fields[1:] {
			v, err := strconv.ParseInt(fv, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad count %q for gene %q", lineno, fv, fields[0])
			}
			row[i] = v
		}
		genes = append(genes, fields[0])
		counts = append(counts, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return NewAbundanceTable(genes, samples, counts)
}

// readSampleSheet joins a csv of per-sample metadata onto the table.
// The first column holds the sample identifier; every table sample
// must appear exactly once, and rows for unknown samples are fatal.
// Columns whose values all parse as numbers become numeric columns,
// the rest become string columns.
func readSampleSheet(t *AbundanceTable, r io.Reader) error {
	rdr := csv.NewReader(r)
	records, err := rdr.ReadAll()
	if err != nil {
		return err
	}
	if len(records) < 2 {
		return fmt.Errorf("sample sheet has no data rows")
	}
	header := records[0]
	seen := map[string]bool{}
	byCol := make([]map[string]string, len(header))
	for i := range byCol {
		byCol[i] = map[string]string{}
	}
	for _, rec := range records[1:] {
		id := rec[0]
		if seen[id] {
			return fmt.Errorf("duplicate sample %q in sample sheet", id)
		}
		seen[id] = true
		if _, ok := t.SampleIndex(id); !ok {
			return fmt.Errorf("sample sheet row for %q, which is not in the count matrix", id)
		}
		for i := 1; i < len(header); i++ {
			byCol[i][id] = rec[i]
		}
	}
	for _, s := range t.Samples {
		if !seen[s] {
			return fmt.Errorf("sample %q missing from sample sheet", s)
		}
	}
	for i := 1; i < len(header); i++ {
		numeric := true
		for _, v := range byCol[i] {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				numeric = false
				break
			}
		}
		if numeric {
			vals := make(map[string]float64, len(byCol[i]))
			for k, v := range byCol[i] {
				vals[k], _ = strconv.ParseFloat(v, 64)
			}
			if err := t.SetSampleFloats(header[i], vals); err != nil {
				return err
			}
		} else {
			if err := t.SetSampleStrings(header[i], byCol[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

type geneAnnotation struct {
	Gene       string `csv:"gene"`
	Symbol     string `csv:"symbol"`
	Chromosome string `csv:"chromosome"`
}

// readGeneAnnotation joins symbol and chromosome columns from an
// annotation csv. Annotations often cover more genes than the count
// matrix; rows for unknown genes are skipped.
func readGeneAnnotation(t *AbundanceTable, r io.Reader) error {
	var recs []geneAnnotation
	if err := gocsv.Unmarshal(r, &recs); err != nil {
		return err
	}
	symbols := map[string]string{}
	chroms := map[string]string{}
	skipped := 0
	for _, rec := range recs {
		if _, ok := t.GeneIndex(rec.Gene); !ok {
			skipped++
			continue
		}
		symbols[rec.Gene] = rec.Symbol
		chroms[rec.Gene] = rec.Chromosome
	}
	if skipped > 0 {
		log.Infof("gene annotation: skipped %d rows for genes not in the count matrix", skipped)
	}
	if err := t.SetGeneStrings("symbol", symbols); err != nil {
		return err
	}
	return t.SetGeneStrings("chromosome", chroms)
}

func openFile(filename string) (*os.File, error) {
	return os.Open(filename)
}

func createFile(filename string) (*os.File, error) {
	return os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
}
