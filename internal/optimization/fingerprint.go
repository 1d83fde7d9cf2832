package optimization

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies a statement shape: its normalized text plus the
// Go types of its parameters. It keys per-statement statistics.
type Fingerprint uint64

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// NewFingerprint computes the fingerprint of text executed with args.
func NewFingerprint(text string, args []any) Fingerprint {
	d := xxhash.New()
	_, _ = d.WriteString(Normalize(text))
	_, _ = d.WriteString("|")
	for _, a := range args {
		_, _ = d.WriteString(shapeOf(a))
		_, _ = d.WriteString(",")
	}
	return Fingerprint(d.Sum64())
}

// CacheKey extends a fingerprint with the parameter values, so statements
// of the same shape but different arguments never share a cached result.
func CacheKey(fp Fingerprint, args []any) string {
	d := xxhash.New()
	for _, a := range args {
		_, _ = d.WriteString(shapeOf(a))
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(valueOf(a))
		_, _ = d.WriteString("\x1e")
	}
	return fp.String() + strconv.FormatUint(d.Sum64(), 16)
}

func shapeOf(a any) string {
	if a == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", a)
}

// valueOf renders a parameter the way database/sql would bind it: Valuers
// are resolved and pointers dereferenced, so a reused pointer never keys
// the result of its previous value.
func valueOf(a any) string {
	bound, err := driver.DefaultParameterConverter.ConvertValue(a)
	if err != nil {
		return fmt.Sprintf("%#v", a)
	}
	switch v := bound.(type) {
	case nil:
		return "\x00"
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", v)
	}
}
