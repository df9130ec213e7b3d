package seqlens

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/klauspost/pgzip"
)

// Pipeline stages hand the table to each other as a gob stream,
// optionally gzip-compressed (filenames ending in ".gz").

// SaveTable writes t as a (possibly gzipped) gob stream.
func SaveTable(w io.Writer, gz bool, t *AbundanceTable) error {
	if err := t.CheckConsistent(); err != nil {
		return err
	}
	bufw := bufio.NewWriterSize(w, 1<<20)
	var out io.Writer = bufw
	var gzw *pgzip.Writer
	if gz {
		gzw = pgzip.NewWriter(bufw)
		out = gzw
	}
	if err := gob.NewEncoder(out).Encode(t); err != nil {
		return err
	}
	if gzw != nil {
		if err := gzw.Close(); err != nil {
			return err
		}
	}
	return bufw.Flush()
}

// LoadTable reads a table written by SaveTable and rebuilds the
// identifier indexes, which are not part of the encoded form.
func LoadTable(r io.Reader, gz bool) (*AbundanceTable, error) {
	in := io.Reader(bufio.NewReaderSize(r, 1<<20))
	if gz {
		gzr, err := pgzip.NewReader(in)
		if err != nil {
			return nil, err
		}
		defer gzr.Close()
		in = gzr
	}
	var t AbundanceTable
	if err := gob.NewDecoder(in).Decode(&t); err != nil {
		return nil, fmt.Errorf("decoding table: %w", err)
	}
	if t.GeneStr == nil {
		t.GeneStr = map[string][]string{}
	}
	if t.GeneNum == nil {
		t.GeneNum = map[string][]float64{}
	}
	if t.GeneFlag == nil {
		t.GeneFlag = map[string][]bool{}
	}
	if t.SampleStr == nil {
		t.SampleStr = map[string][]string{}
	}
	if t.SampleNum == nil {
		t.SampleNum = map[string][]float64{}
	}
	if t.SampleFlag == nil {
		t.SampleFlag = map[string][]bool{}
	}
	if t.CellNum == nil {
		t.CellNum = map[string][]float64{}
	}
	if err := t.reindex(); err != nil {
		return nil, err
	}
	if err := t.CheckConsistent(); err != nil {
		return nil, err
	}
	return &t, nil
}
