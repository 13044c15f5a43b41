// Package checksum computes a canonical, order-independent content hash
// over value.Value trees, used by EdgeState to anchor edit chains.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

// Of returns the canonical checksum of v: mappings are hashed by sorted
// key, sets by sorted element order, sequences in their given order.
func Of(v value.Value) string {
	var sb strings.Builder
	encode(&sb, v)
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func encode(sb *strings.Builder, v value.Value) {
	switch v.Kind() {
	case value.KindNull:
		sb.WriteString("n")
	case value.KindBool:
		b, _ := v.AsBool()
		if b {
			sb.WriteString("b1")
		} else {
			sb.WriteString("b0")
		}
	case value.KindInt:
		i, _ := v.AsInt()
		sb.WriteString("i")
		sb.WriteString(strconv.FormatInt(i, 10))
	case value.KindFloat:
		f, _ := v.AsFloat()
		sb.WriteString("f")
		sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	case value.KindString:
		s, _ := v.AsString()
		sb.WriteString("s")
		sb.WriteString(strconv.Itoa(len(s)))
		sb.WriteString(":")
		sb.WriteString(s)
	case value.KindSeq:
		seq, _ := v.AsSeq()
		sb.WriteString("L")
		sb.WriteString(strconv.Itoa(len(seq)))
		sb.WriteString("[")
		for _, e := range seq {
			encode(sb, e)
			sb.WriteString(",")
		}
		sb.WriteString("]")
	case value.KindMap:
		m, _ := v.AsMap()
		keys := m.SortedKeys()
		sb.WriteString("M")
		sb.WriteString(strconv.Itoa(len(keys)))
		sb.WriteString("{")
		for _, k := range keys {
			sb.WriteString(strconv.Itoa(len(k)))
			sb.WriteString(":")
			sb.WriteString(k)
			sb.WriteString("=")
			val, _ := m.Get(k)
			encode(sb, val)
			sb.WriteString(",")
		}
		sb.WriteString("}")
	case value.KindSet:
		s, _ := v.AsSet()
		elems := s.Elements()
		sb.WriteString("S")
		sb.WriteString(strconv.Itoa(len(elems)))
		sb.WriteString("(")
		for _, e := range elems {
			encode(sb, e)
			sb.WriteString(",")
		}
		sb.WriteString(")")
	}
}
