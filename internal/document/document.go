// Package document provides the typed stand-in for the engine's dynamic,
// dict-shaped row payloads (see SPEC_FULL.md §9, "Dynamic dict rows -> typed
// value"). A Document is a closed tagged union of scalar, map, and list forms
// so row data can be carried, hashed, and serialised without reflection.
package document

import (
	"sort"
)

// Kind tags the variant a Document holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindMap
	KindList
)

// Document is an immutable value: constructing one of the New* helpers is the
// only supported way to build one, and its accessors never mutate it.
type Document struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	m      map[string]Document
	l      []Document
}

func Null() Document                 { return Document{kind: KindNull} }
func NewBool(v bool) Document         { return Document{kind: KindBool, b: v} }
func NewInt(v int64) Document         { return Document{kind: KindInt, i: v} }
func NewFloat(v float64) Document     { return Document{kind: KindFloat, f: v} }
func NewString(v string) Document     { return Document{kind: KindString, s: v} }

// NewMap copies its argument so later mutation of the caller's map cannot
// affect the Document.
func NewMap(v map[string]Document) Document {
	cp := make(map[string]Document, len(v))
	for k, val := range v {
		cp[k] = val
	}

	return Document{kind: KindMap, m: cp}
}

// NewList copies its argument for the same reason as NewMap.
func NewList(v []Document) Document {
	cp := make([]Document, len(v))
	copy(cp, v)

	return Document{kind: KindList, l: cp}
}

func (d Document) Kind() Kind { return d.kind }

func (d Document) Bool() (bool, bool) {
	if d.kind != KindBool {
		return false, false
	}

	return d.b, true
}

func (d Document) Int() (int64, bool) {
	if d.kind != KindInt {
		return 0, false
	}

	return d.i, true
}

func (d Document) Float() (float64, bool) {
	switch d.kind {
	case KindFloat:
		return d.f, true
	case KindInt:
		return float64(d.i), true
	default:
		return 0, false
	}
}

func (d Document) String() (string, bool) {
	if d.kind != KindString {
		return "", false
	}

	return d.s, true
}

// Map returns the underlying field map and whether d is a map Document. The
// returned map is owned by d and must not be mutated by the caller.
func (d Document) Map() (map[string]Document, bool) {
	if d.kind != KindMap {
		return nil, false
	}

	return d.m, true
}

// Field is a convenience accessor for KindMap documents; it returns
// (Null(), false) for anything else, including a missing key.
func (d Document) Field(name string) (Document, bool) {
	if d.kind != KindMap {
		return Null(), false
	}

	v, ok := d.m[name]

	return v, ok
}

func (d Document) List() ([]Document, bool) {
	if d.kind != KindList {
		return nil, false
	}

	return d.l, true
}

// WithField returns a copy of d (which must be KindMap) with name set to
// value, preserving the engine's "updates produce new token values" rule
// (SPEC_FULL.md §4.3).
func (d Document) WithField(name string, value Document) Document {
	if d.kind != KindMap {
		return d
	}

	cp := make(map[string]Document, len(d.m)+1)
	for k, v := range d.m {
		cp[k] = v
	}

	cp[name] = value

	return Document{kind: KindMap, m: cp}
}

// SortedKeys returns a map Document's field names in lexicographic order, the
// ordering canonical hashing and canonical JSON rendering both depend on.
func (d Document) SortedKeys() []string {
	if d.kind != KindMap {
		return nil
	}

	keys := make([]string, 0, len(d.m))
	for k := range d.m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
