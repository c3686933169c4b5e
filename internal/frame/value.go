package frame

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the inferred type of a column.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
	KindString
	KindMixed
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int64"
	case KindFloat:
		return "float64"
	case KindBool:
		return "bool"
	case KindTime:
		return "datetime64"
	case KindString:
		return "string"
	default:
		return "object"
	}
}

func (k Kind) numeric() bool { return k == KindInt || k == KindFloat }

func kindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case bool:
		return KindBool
	case time.Time:
		return KindTime
	case string:
		return KindString
	}
	return KindMixed
}

// ColumnKind infers the kind of the named column, ignoring nulls. Integer
// and float cells together make a float column.
func (t *Table) ColumnKind(name string) Kind {
	c, ok := t.index[name]
	if !ok {
		return KindNull
	}
	return t.kindAt(c)
}

func (t *Table) kindAt(c int) Kind {
	k := KindNull
	for _, r := range t.rows {
		vk := kindOf(r[c])
		switch {
		case vk == KindNull || vk == k:
		case k == KindNull:
			k = vk
		case k.numeric() && vk.numeric():
			k = KindFloat
		default:
			return KindMixed
		}
	}
	return k
}

// compatible reports whether two key columns can be matched against each other.
func compatible(a, b Kind) bool {
	return a == KindNull || b == KindNull || a == b || (a.numeric() && b.numeric())
}

// FormatValue renders a cell as text. Nulls render as "NaN".
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NaN"
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "True"
		}
		return "False"
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format("2006-01-02 15:04:05")
	}
	return ""
}

// Compare orders two cells: nulls first, numbers numerically, then by kind.
func Compare(a, b any) int {
	ka, kb := kindOf(a), kindOf(b)
	if ka.numeric() && kb.numeric() {
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	if ka != kb {
		if ka < kb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case string:
		return strings.Compare(x, b.(string))
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case time.Time:
		return x.Compare(b.(time.Time))
	}
	return 0
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return math.NaN()
}

// keyPart canonicalizes a cell for equality matching. Integral floats match
// the equal integer; nulls match each other.
func keyPart(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x00"
	case int64:
		return "n:" + strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return "n:" + strconv.FormatInt(int64(x), 10)
		}
		return "n:" + strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return "s:" + x
	case bool:
		return "b:" + strconv.FormatBool(x)
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano)
	}
	return "?"
}

// rowKey encodes the key cells of row. Each part is length-prefixed so
// separators inside cell text cannot make two keys equal.
func rowKey(row []any, idx []int) string {
	var sb strings.Builder
	for _, j := range idx {
		p := keyPart(row[j])
		sb.WriteString(strconv.Itoa(len(p)))
		sb.WriteByte(':')
		sb.WriteString(p)
	}
	return sb.String()
}
