// Package metadata describes one observation's sidecar header: an ordered
// set of typed key/value fields shared by every encoder variant in
// SPEC_FULL.md section 4.H (flat ASCII, filterbank-style binary, ring-buffer
// ASCII block, hierarchical attributes). Adding a field touches one place —
// the FieldSet build site — not four encoder implementations.
package metadata

import "fmt"

// Kind names the wire type of one Field's value.
type Kind int

const (
	KindString Kind = iota
	KindInt32
	KindFloat64
)

// Field is one typed observation parameter.
type Field struct {
	Key   string
	Kind  Kind
	Str   string
	Int   int32
	Float float64
}

// FieldSet is an ordered collection of Fields. Order matters for the
// filterbank and ring-buffer encoders, which write fields as a flat stream.
type FieldSet struct {
	fields []Field
}

// NewFieldSet builds an empty set.
func NewFieldSet() *FieldSet {
	return &FieldSet{}
}

func (s *FieldSet) AddString(key, v string) *FieldSet {
	s.fields = append(s.fields, Field{Key: key, Kind: KindString, Str: v})
	return s
}

func (s *FieldSet) AddInt32(key string, v int32) *FieldSet {
	s.fields = append(s.fields, Field{Key: key, Kind: KindInt32, Int: v})
	return s
}

func (s *FieldSet) AddFloat64(key string, v float64) *FieldSet {
	s.fields = append(s.fields, Field{Key: key, Kind: KindFloat64, Float: v})
	return s
}

// Fields returns the set's fields in insertion order.
func (s *FieldSet) Fields() []Field {
	return s.fields
}

// Encoder writes one FieldSet's worth of observation metadata to its target
// medium, before the first data byte (or as dataset attributes, for the
// hierarchical variant).
type Encoder interface {
	Encode(fs *FieldSet) error
}

// stringOf renders a Field's value as a plain string, used by the ASCII
// encoders (flat and ring-buffer).
func stringOf(f Field) string {
	switch f.Kind {
	case KindString:
		return f.Str
	case KindInt32:
		return fmt.Sprintf("%d", f.Int)
	case KindFloat64:
		return fmt.Sprintf("%g", f.Float)
	default:
		return ""
	}
}
