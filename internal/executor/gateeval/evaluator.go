// Package gateeval implements the sandboxed expression evaluator for
// config-driven gates (spec §4.4.2): a goja VM exposing only row field
// values as globals plus a closed set of comparison/logical operators, with
// everything else rejected at config time.
package gateeval

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"

	"github.com/elspeth-data/elspeth/internal/document"
)

// identifierPattern matches bare identifiers in an expression; used to
// reject references to anything outside the declared field set and a small
// allow-list of JS keywords the grammar needs (true/false/null).
var identifierPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// stringLiteralPattern strips quoted string literals before identifier
// scanning, so words inside a literal (e.g. "active" in status == "active")
// are never mistaken for field references.
var stringLiteralPattern = regexp.MustCompile(`"[^"]*"|'[^']*'`)

var allowedBareWords = map[string]bool{
	"true": true, "false": true, "null": true, "undefined": true,
}

// ErrDisallowedIdentifier is returned by Compile when an expression
// references a name that is neither an allowed keyword nor a declared
// field.
type ErrDisallowedIdentifier struct {
	Identifier string
}

func (e *ErrDisallowedIdentifier) Error() string {
	return fmt.Sprintf("gate expression references disallowed identifier %q", e.Identifier)
}

// Expr is a compiled, sandboxed gate condition, validated once at config
// time and safe to evaluate repeatedly against row data.
type Expr struct {
	source string
}

// Compile validates expr against the declared field names and returns a
// reusable Expr. fields is the set of row field names the expression may
// reference; anything else (function calls to globals, property access on
// unknown names, etc.) is rejected.
func Compile(expr string, fields []string) (*Expr, error) {
	allowed := make(map[string]bool, len(fields)+len(allowedBareWords))
	for k := range allowedBareWords {
		allowed[k] = true
	}

	for _, f := range fields {
		allowed[f] = true
	}

	withoutLiterals := stringLiteralPattern.ReplaceAllString(expr, `""`)

	for _, match := range identifierPattern.FindAllString(withoutLiterals, -1) {
		if !allowed[match] {
			return nil, &ErrDisallowedIdentifier{Identifier: match}
		}
	}

	// Reject anything that looks like a call or member access beyond plain
	// identifiers and operators -- the allow-listed identifier check above
	// still lets "foo.bar" or "foo()" through since "foo" and "bar" may both
	// be declared fields. These are never legitimate in a row-comparison
	// expression.
	if strings.ContainsAny(expr, "(){}[]") {
		return nil, fmt.Errorf("gate expression must not contain calls, blocks, or indexing: %q", expr)
	}

	// Compile-check with a throwaway VM so config-time errors surface before
	// the gate ever runs against real data.
	vm := goja.New()
	for _, f := range fields {
		vm.Set(f, goja.Undefined())
	}

	if _, err := vm.RunString(expr); err != nil {
		return nil, fmt.Errorf("gate expression failed sandbox compile check: %w", err)
	}

	return &Expr{source: expr}, nil
}

// Eval runs the compiled expression against row, exposing each of row's
// fields as a same-named global, and returns the boolean result.
func (e *Expr) Eval(row document.Document) (bool, error) {
	vm := goja.New()

	for _, name := range row.SortedKeys() {
		field, _ := row.Field(name)
		vm.Set(name, toJSValue(field))
	}

	result, err := vm.RunString(e.source)
	if err != nil {
		return false, fmt.Errorf("gateeval: evaluate %q: %w", e.source, err)
	}

	return result.ToBoolean(), nil
}

func toJSValue(d document.Document) interface{} {
	switch d.Kind() {
	case document.KindBool:
		v, _ := d.Bool()
		return v
	case document.KindInt:
		v, _ := d.Int()
		return v
	case document.KindFloat:
		v, _ := d.Float()
		return v
	case document.KindString:
		v, _ := d.String()
		return v
	case document.KindNull:
		return nil
	default:
		// maps/lists are not comparable operands in the closed grammar; expose
		// them as opaque strings so an expression referencing one at most
		// fails a comparison rather than panicking the VM.
		return document.CanonicalHash(d)
	}
}
