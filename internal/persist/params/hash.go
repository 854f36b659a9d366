package params

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Hash computes a stable digest of a parameter set. Two extractions of the
// same logical content produce the same digest regardless of input order, so
// the store can skip the parameter rewrite when nothing changed.
func Hash(values []Value) string {
	lines := make([]string, 0, len(values))
	for _, v := range values {
		lines = append(lines, encode(v))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func encode(v Value) string {
	switch p := v.(type) {
	case StringValue:
		return fmt.Sprintf("s|%s|%s", p.ParamName, p.Value)
	case NumberValue:
		return fmt.Sprintf("n|%s|%g|%s|%s", p.ParamName, p.Value, fptr(p.Low), fptr(p.High))
	case DateValue:
		return fmt.Sprintf("d|%s|%d|%d", p.ParamName, p.Start.UnixMicro(), p.End.UnixMicro())
	case TokenValue:
		return fmt.Sprintf("t|%s|%s|%s", p.ParamName, p.System, p.Code)
	case QuantityValue:
		return fmt.Sprintf("q|%s|%s|%s|%g|%s|%s", p.ParamName, p.System, p.Code, p.Value, fptr(p.Low), fptr(p.High))
	case ReferenceValue:
		return fmt.Sprintf("r|%s|%s|%s|%s", p.ParamName, p.TargetType, p.TargetID, p.CanonicalURL)
	case CompositeValue:
		parts := make([]string, 0, len(p.Components))
		for _, c := range p.Components {
			parts = append(parts, encode(c))
		}
		return fmt.Sprintf("c|%s|%s", p.ParamName, strings.Join(parts, "^"))
	}
	return ""
}

func fptr(f *float64) string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%g", *f)
}
