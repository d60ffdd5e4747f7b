package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the YAML document the schema-authoring surface hands over: the
// declared snapshots of every table in the store.
type File struct {
	Tables []*Table `yaml:"tables"`
}

// Decode reads a declared-schema document from r and validates every
// table in it.
func Decode(r io.Reader) ([]*Table, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("schema: decode: %w", err)
	}
	for _, t := range f.Tables {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Tables, nil
}

// ReadFile loads a declared-schema document from a YAML file.
func ReadFile(path string) ([]*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("schema: open %s: %w", path, err)
	}
	defer f.Close()
	tables, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w (file %s)", err, path)
	}
	return tables, nil
}

// Encode writes the tables as a declared-schema document.
func Encode(w io.Writer, tables []*Table) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	if err := enc.Encode(File{Tables: tables}); err != nil {
		return fmt.Errorf("schema: encode: %w", err)
	}
	return nil
}
