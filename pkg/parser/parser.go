// Package parser loads declared schema models from YAML or JSON files.
//
// # Basic Usage
//
// Parse a schema file or a directory of schema files:
//
//	s, err := parser.ParseSchema("schema/")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Parse schema from a string:
//
//	s, err := parser.ParseSchemaString(content)
//
// # Format
//
//	tables:
//	  users:
//	    columns:
//	      - {name: id, type: uuid, primary_key: true, default: gen_random_uuid()}
//	      - {name: email, type: varchar(255), unique: true}
//	      - {name: nickname, type: text, nullable: true, renamed_from: nick}
//	  subscriptions:
//	    columns:
//	      - {name: id, type: uuid, primary_key: true}
//	      - {name: user_id, type: uuid, references: users.id, on_delete: cascade}
//	    indexes:
//	      - {columns: [user_id]}
//
// Defaults are SQL expressions: write "'active'" for a string literal.
// Table-level primary_key, unique and foreign_keys blocks are available for
// multi-column keys. Unknown fields are rejected.
//
// All errors wrap stratum.ErrModelLoad.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/pkg/schema"
)

// Option configures parsing.
type Option func(*options)

type options struct {
	knownType schema.TypeChecker
}

// WithTypeChecker rejects column types the checker does not recognize.
func WithTypeChecker(fn schema.TypeChecker) Option {
	return func(o *options) { o.knownType = fn }
}

// ParseSchema reads a schema file, or every .yaml, .yml and .json file in a
// directory, and returns the normalized, validated schema.
func ParseSchema(path string, opts ...Option) (*schema.Schema, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &stratum.ModelLoadError{Path: path, Err: err}
	}
	if !info.IsDir() {
		content, err := os.ReadFile(path) //nolint:gosec // path is from trusted source
		if err != nil {
			return nil, &stratum.ModelLoadError{Path: path, Err: err}
		}
		s, err := parse(content, path, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return parseDir(path, opts)
}

// ParseSchemaString parses schema content held in memory.
func ParseSchemaString(content string, opts ...Option) (*schema.Schema, error) {
	return parse([]byte(content), "", opts)
}

func parseDir(dir string, opts []Option) (*schema.Schema, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &stratum.ModelLoadError{Path: dir, Err: err}
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, &stratum.ModelLoadError{Path: dir, Err: errors.New("no schema files found")}
	}

	merged := &file{Tables: make(map[string]*tableDef)}
	origin := make(map[string]string)
	for _, path := range files {
		content, err := os.ReadFile(path) //nolint:gosec // path is from trusted source
		if err != nil {
			return nil, &stratum.ModelLoadError{Path: path, Err: err}
		}
		f, err := decode(content)
		if err != nil {
			return nil, &stratum.ModelLoadError{Path: path, Err: err}
		}
		for name, t := range f.Tables {
			if prev, ok := origin[name]; ok {
				return nil, &stratum.ModelLoadError{
					Path: path,
					Err:  fmt.Errorf("table %q already defined in %s", name, filepath.Base(prev)),
				}
			}
			origin[name] = path
			merged.Tables[name] = t
		}
	}
	return build(merged, dir, opts)
}

func parse(content []byte, path string, opts []Option) (*schema.Schema, error) {
	f, err := decode(content)
	if err != nil {
		return nil, &stratum.ModelLoadError{Path: path, Err: err}
	}
	return build(f, path, opts)
}

func decode(content []byte) (*file, error) {
	var f file
	if err := yaml.UnmarshalStrict(content, &f); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	return &f, nil
}

func build(f *file, path string, opts []Option) (*schema.Schema, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s, err := f.toSchema()
	if err != nil {
		return nil, &stratum.ModelLoadError{Path: path, Err: err}
	}
	schema.Normalize(s)
	if err := schema.Validate(s, o.knownType); err != nil {
		var mle *stratum.ModelLoadError
		if errors.As(err, &mle) && mle.Path == "" {
			mle.Path = path
		}
		return nil, err
	}
	return s, nil
}

// file is the on-disk representation of a schema.
type file struct {
	Tables map[string]*tableDef `json:"tables"`
}

type tableDef struct {
	Columns     []columnDef     `json:"columns"`
	PrimaryKey  []string        `json:"primary_key,omitempty"`
	Unique      []constraintDef `json:"unique,omitempty"`
	Indexes     []indexDef      `json:"indexes,omitempty"`
	ForeignKeys []foreignKeyDef `json:"foreign_keys,omitempty"`
	RenamedFrom string          `json:"renamed_from,omitempty"`
}

type columnDef struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Nullable    bool          `json:"nullable,omitempty"`
	Default     *defaultValue `json:"default,omitempty"`
	PrimaryKey  bool          `json:"primary_key,omitempty"`
	Unique      bool          `json:"unique,omitempty"`
	Index       bool          `json:"index,omitempty"`
	References  string        `json:"references,omitempty"`
	OnDelete    string        `json:"on_delete,omitempty"`
	OnUpdate    string        `json:"on_update,omitempty"`
	RenamedFrom string        `json:"renamed_from,omitempty"`
}

type constraintDef struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
}

type indexDef struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
}

type foreignKeyDef struct {
	Name       string   `json:"name,omitempty"`
	Columns    []string `json:"columns"`
	References refDef   `json:"references"`
	OnDelete   string   `json:"on_delete,omitempty"`
	OnUpdate   string   `json:"on_update,omitempty"`
}

type refDef struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
}

// defaultValue accepts strings, numbers and booleans so that YAML such as
// "default: 0" or "default: false" works without quoting.
type defaultValue string

func (d *defaultValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*d = defaultValue(s)
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v.(type) {
	case float64, bool:
		*d = defaultValue(strings.TrimSpace(string(data)))
		return nil
	case nil:
		*d = "null"
		return nil
	}
	return fmt.Errorf("default must be a scalar, got %s", data)
}

func (f *file) toSchema() (*schema.Schema, error) {
	if len(f.Tables) == 0 {
		return nil, errors.New("schema defines no tables")
	}
	s := schema.New()
	for name, td := range f.Tables {
		if td == nil {
			return nil, fmt.Errorf("table %q is empty", name)
		}
		t := &schema.Table{Name: name, RenamedFrom: td.RenamedFrom}
		var pk []string

		for _, cd := range td.Columns {
			c := &schema.Column{
				Name:        cd.Name,
				Type:        cd.Type,
				Nullable:    cd.Nullable,
				RenamedFrom: cd.RenamedFrom,
			}
			if cd.Default != nil && *cd.Default != "null" {
				v := string(*cd.Default)
				c.Default = &v
			}
			t.Columns = append(t.Columns, c)

			if cd.PrimaryKey {
				pk = append(pk, cd.Name)
			}
			if cd.Unique {
				t.Uniques = append(t.Uniques, &schema.Unique{Columns: []string{cd.Name}})
			}
			if cd.Index {
				t.Indexes = append(t.Indexes, &schema.Index{Columns: []string{cd.Name}})
			}
			if cd.References != "" {
				refTable, refCol, ok := strings.Cut(cd.References, ".")
				if !ok || refTable == "" || refCol == "" {
					return nil, fmt.Errorf("table %q: column %q: references must be <table>.<column>, got %q",
						name, cd.Name, cd.References)
				}
				t.ForeignKeys = append(t.ForeignKeys, &schema.ForeignKey{
					Columns:    []string{cd.Name},
					RefTable:   refTable,
					RefColumns: []string{refCol},
					OnDelete:   cd.OnDelete,
					OnUpdate:   cd.OnUpdate,
				})
			} else if cd.OnDelete != "" || cd.OnUpdate != "" {
				return nil, fmt.Errorf("table %q: column %q: on_delete/on_update require references", name, cd.Name)
			}
		}

		if len(td.PrimaryKey) > 0 {
			if len(pk) > 0 {
				return nil, fmt.Errorf("table %q: primary key declared on both columns and table", name)
			}
			pk = td.PrimaryKey
		}
		if len(pk) > 0 {
			t.PrimaryKey = &schema.PrimaryKey{Columns: pk}
		}
		for _, u := range td.Unique {
			t.Uniques = append(t.Uniques, &schema.Unique{Name: u.Name, Columns: u.Columns})
		}
		for _, ix := range td.Indexes {
			t.Indexes = append(t.Indexes, &schema.Index{Name: ix.Name, Columns: ix.Columns, Unique: ix.Unique})
		}
		for _, fk := range td.ForeignKeys {
			t.ForeignKeys = append(t.ForeignKeys, &schema.ForeignKey{
				Name:       fk.Name,
				Columns:    fk.Columns,
				RefTable:   fk.References.Table,
				RefColumns: fk.References.Columns,
				OnDelete:   fk.OnDelete,
				OnUpdate:   fk.OnUpdate,
			})
		}
		s.Tables[name] = t
	}
	return s, nil
}
