// Package fieldmap translates TAS JSON objects into typed Local Store records.
//
// A field map is an allow-list: only the source keys named in it are read, so
// extra fields that TAS adds never leak into the Local Store. Each entry pairs a
// source key with a Local Store column, a typed transform and a setter on the
// destination struct, which keeps the mapping checked by the compiler.
package fieldmap

import (
	"fmt"
)

// Transform converts one raw JSON value into a typed value.
type Transform[V any] func(raw any) (V, error)

// Field maps one source key onto a destination struct T.
type Field[T any] struct {
	Source   string
	Column   string
	Required bool

	apply func(dst *T, raw any) error
}

// New builds a field that runs transform on the source value and hands the
// result to set.
func New[T, V any](source, column string, transform Transform[V], set func(*T, V)) Field[T] {
	return Field[T]{
		Source: source,
		Column: column,
		apply: func(dst *T, raw any) error {
			v, err := transform(raw)
			if err != nil {
				return err
			}
			set(dst, v)
			return nil
		},
	}
}

// Require marks the field as required: a missing value or a failed transform
// makes the whole record invalid.
func (f Field[T]) Require() Field[T] {
	f.Required = true
	return f
}

// FieldError records a transform failure for one field.
type FieldError struct {
	Source string
	Column string
	Err    error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %s -> %s: %v", e.Source, e.Column, e.Err)
}

func (e FieldError) Unwrap() error { return e.Err }

// Report describes what happened while mapping one record.
type Report struct {
	// Errors holds transform failures on optional fields. The fields were
	// left unset and the record is still usable.
	Errors []FieldError

	// Missing holds required columns that were absent, null or failed to
	// transform.
	Missing []string
}

// Valid reports whether every required field was mapped.
func (r Report) Valid() bool {
	return len(r.Missing) == 0
}

// Map applies fields to src and returns the populated destination.
// Source keys absent from fields are ignored.
func Map[T any](src map[string]any, fields []Field[T]) (T, Report) {
	var dst T
	var report Report

	for _, f := range fields {
		raw, ok := src[f.Source]
		if !ok || raw == nil {
			if f.Required {
				report.Missing = append(report.Missing, f.Column)
			}
			continue
		}

		if err := f.apply(&dst, raw); err != nil {
			if f.Required {
				report.Missing = append(report.Missing, f.Column)
			}
			report.Errors = append(report.Errors, FieldError{Source: f.Source, Column: f.Column, Err: err})
		}
	}

	return dst, report
}
