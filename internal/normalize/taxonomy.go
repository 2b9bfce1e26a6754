package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/chameleoncloud/portalsync/internal/record"
	"github.com/chameleoncloud/portalsync/internal/tas"
)

// TaxonomyStore reads and extends the project taxonomy tables.
type TaxonomyStore interface {
	Taxa(ctx context.Context, table string) ([]record.Taxon, error)
	EnsureTaxon(ctx context.Context, table, name string) (int64, bool, error)
}

// Taxonomy maps project type and field names to local ids. Names match
// case-insensitively.
type Taxonomy struct {
	types     map[string]int64
	fields    map[string]int64
	canonical map[string]string // folded field name -> TAS spelling
}

// NewTaxonomy builds a taxonomy from existing rows. canonicalFields are the
// TAS field names used to normalize the spelling of new field rows.
func NewTaxonomy(types, fields []record.Taxon, canonicalFields []string) *Taxonomy {
	t := &Taxonomy{
		types:     make(map[string]int64, len(types)),
		fields:    make(map[string]int64, len(fields)),
		canonical: make(map[string]string, len(canonicalFields)),
	}
	for _, tx := range types {
		t.types[record.Fold(tx.Name)] = tx.ID
	}
	for _, tx := range fields {
		t.fields[record.Fold(tx.Name)] = tx.ID
	}
	for _, name := range canonicalFields {
		name = cleanName(name)
		if key := record.Fold(name); key != "" {
			if _, dup := t.canonical[key]; !dup {
				t.canonical[key] = name
			}
		}
	}
	return t
}

// TypeID returns the local id of a project type.
func (t *Taxonomy) TypeID(name string) (int64, bool) {
	id, ok := t.types[record.Fold(cleanName(name))]
	return id, ok
}

// FieldID returns the local id of a science field.
func (t *Taxonomy) FieldID(name string) (int64, bool) {
	id, ok := t.fields[record.Fold(cleanName(name))]
	return id, ok
}

// CanonicalField returns the TAS spelling of a field name, or the cleaned
// input when TAS does not list it.
func (t *Taxonomy) CanonicalField(name string) string {
	name = cleanName(name)
	if c, ok := t.canonical[record.Fold(name)]; ok {
		return c
	}
	return name
}

// PrepassReport lists the taxonomy rows a pre-pass created.
type PrepassReport struct {
	Types  []string
	Fields []string
}

// Created returns the number of rows written.
func (r PrepassReport) Created() int {
	return len(r.Types) + len(r.Fields)
}

// TaxonomyPrepass resolves every distinct project type and field name in
// projects before any record is normalized. Names not yet known are inserted
// into the taxonomy tables.
func TaxonomyPrepass(ctx context.Context, store TaxonomyStore, projects []tas.Record, canonicalFields []string, logger *slog.Logger) (*Taxonomy, PrepassReport, error) {
	var report PrepassReport
	if logger == nil {
		logger = slog.Default()
	}

	types, err := store.Taxa(ctx, record.TableProjectTypes)
	if err != nil {
		return nil, report, fmt.Errorf("taxonomy prepass: %w", err)
	}
	fields, err := store.Taxa(ctx, record.TableFields)
	if err != nil {
		return nil, report, fmt.Errorf("taxonomy prepass: %w", err)
	}
	t := NewTaxonomy(types, fields, canonicalFields)

	for _, p := range projects {
		if name, ok := p.String(sourceType); ok && cleanName(name) != "" {
			name = cleanName(name)
			if _, known := t.TypeID(name); !known {
				id, created, err := store.EnsureTaxon(ctx, record.TableProjectTypes, name)
				if err != nil {
					return nil, report, fmt.Errorf("taxonomy prepass: %w", err)
				}
				t.types[record.Fold(name)] = id
				if created {
					report.Types = append(report.Types, name)
					logger.Info("created project type", "name", name, "id", id)
				}
			}
		}

		if name, ok := p.String(sourceField); ok && cleanName(name) != "" {
			name = t.CanonicalField(name)
			if _, known := t.FieldID(name); !known {
				id, created, err := store.EnsureTaxon(ctx, record.TableFields, name)
				if err != nil {
					return nil, report, fmt.Errorf("taxonomy prepass: %w", err)
				}
				t.fields[record.Fold(name)] = id
				if created {
					report.Fields = append(report.Fields, name)
					logger.Info("created project field", "name", name, "id", id)
				}
			}
		}
	}

	return t, report, nil
}

func cleanName(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}
