package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// CanonicalHash computes the SHA-256 hash of d's canonical byte encoding.
// Map keys are sorted lexicographically and numeric forms are normalised (an
// int 10 and a float 10.0 hash identically) so CanonicalHash is invariant
// under key-reordering and numeric representation, per SPEC_FULL.md §8
// property 3.
//
// This is a hand-rolled encoder rather than a general-purpose one (JSON,
// msgpack, gob) because none of those guarantee canonical map-key ordering or
// canonical numeric form out of the box — see DESIGN.md for why the
// off-the-shelf encoders were rejected for this specific role.
func CanonicalHash(d Document) string {
	h := sha256.New()
	writeCanonical(h, d)

	return hex.EncodeToString(h.Sum(nil))
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

func writeCanonical(w byteWriter, d Document) {
	switch d.kind {
	case KindNull:
		_, _ = w.Write([]byte("n:"))
	case KindBool:
		if d.b {
			_, _ = w.Write([]byte("b:1"))
		} else {
			_, _ = w.Write([]byte("b:0"))
		}
	case KindInt:
		_, _ = w.Write([]byte("i:"))
		_, _ = w.Write([]byte(normalizeNumber(float64(d.i))))
	case KindFloat:
		_, _ = w.Write([]byte("i:"))
		_, _ = w.Write([]byte(normalizeNumber(d.f)))
	case KindString:
		_, _ = w.Write([]byte("s:"))
		_, _ = w.Write([]byte(strconv.Itoa(len(d.s))))
		_, _ = w.Write([]byte(":"))
		_, _ = w.Write([]byte(d.s))
	case KindList:
		_, _ = w.Write([]byte("l:"))
		_, _ = w.Write([]byte(strconv.Itoa(len(d.l))))
		_, _ = w.Write([]byte(":"))

		for _, item := range d.l {
			writeCanonical(w, item)
			_, _ = w.Write([]byte(","))
		}
	case KindMap:
		keys := d.SortedKeys()
		_, _ = w.Write([]byte("m:"))
		_, _ = w.Write([]byte(strconv.Itoa(len(keys))))
		_, _ = w.Write([]byte(":"))

		for _, k := range keys {
			_, _ = w.Write([]byte(strconv.Itoa(len(k))))
			_, _ = w.Write([]byte(":"))
			_, _ = w.Write([]byte(k))
			_, _ = w.Write([]byte("="))
			writeCanonical(w, d.m[k])
			_, _ = w.Write([]byte(";"))
		}
	}
}

// normalizeNumber renders a number so that 10 and 10.0 produce the same
// string: integral floats drop the fractional part, matching the "numeric
// forms normalised" requirement in spec §4.1.
func normalizeNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}

	return strconv.FormatFloat(f, 'g', -1, 64)
}
