package sandbox

import (
	"reflect"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/kalambet/consolida/internal/dataset"
	"github.com/kalambet/consolida/internal/frame"
)

// Import paths under which candidate programs see the table packages.
const (
	FrameImport   = "consolida/frame"
	DatasetImport = "consolida/dataset"
	runImport     = "consolida/run"
)

// allowedStdlib lists the standard packages candidate programs may use.
// Anything reaching the filesystem, network or processes is left out.
var allowedStdlib = []string{
	"errors/errors",
	"fmt/fmt",
	"math/math",
	"sort/sort",
	"strconv/strconv",
	"strings/strings",
	"time/time",
	"unicode/unicode",
}

// deniedSymbols are removed from allowed packages because they schedule work
// that outlives the program.
var deniedSymbols = map[string][]string{
	"time/time": {"AfterFunc", "NewTicker", "NewTimer", "Tick"},
}

func stdlibSubset() interp.Exports {
	out := make(interp.Exports, len(allowedStdlib))
	for _, k := range allowedStdlib {
		syms := make(map[string]reflect.Value, len(stdlib.Symbols[k]))
		for name, v := range stdlib.Symbols[k] {
			syms[name] = v
		}
		for _, name := range deniedSymbols[k] {
			delete(syms, name)
		}
		out[k] = syms
	}
	return out
}

var tableSymbols = interp.Exports{
	FrameImport + "/frame": {
		"Builder":    reflect.ValueOf((*frame.Builder)(nil)),
		"JoinMode":   reflect.ValueOf((*frame.JoinMode)(nil)),
		"Kind":       reflect.ValueOf((*frame.Kind)(nil)),
		"MergeError": reflect.ValueOf((*frame.MergeError)(nil)),
		"Merger":     reflect.ValueOf((*frame.Merger)(nil)),
		"Row":        reflect.ValueOf((*frame.Row)(nil)),
		"Table":      reflect.ValueOf((*frame.Table)(nil)),

		"Inner":       reflect.ValueOf(frame.Inner),
		"Outer":       reflect.ValueOf(frame.Outer),
		"Left":        reflect.ValueOf(frame.Left),
		"Right":       reflect.ValueOf(frame.Right),
		"DefaultJoin": reflect.ValueOf(frame.DefaultJoin),
		"KindNull":    reflect.ValueOf(frame.KindNull),
		"KindInt":     reflect.ValueOf(frame.KindInt),
		"KindFloat":   reflect.ValueOf(frame.KindFloat),
		"KindBool":    reflect.ValueOf(frame.KindBool),
		"KindTime":    reflect.ValueOf(frame.KindTime),
		"KindString":  reflect.ValueOf(frame.KindString),
		"KindMixed":   reflect.ValueOf(frame.KindMixed),

		"ErrEmptyInput":      reflect.ValueOf(&frame.ErrEmptyInput).Elem(),
		"ErrTypeMismatch":    reflect.ValueOf(&frame.ErrTypeMismatch).Elem(),
		"ErrCardinality":     reflect.ValueOf(&frame.ErrCardinality).Elem(),
		"ErrDuplicateColumn": reflect.ValueOf(&frame.ErrDuplicateColumn).Elem(),

		"New":           reflect.ValueOf(frame.New),
		"NewBuilder":    reflect.ValueOf(frame.NewBuilder),
		"Join":          reflect.ValueOf(frame.Join),
		"Concat":        reflect.ValueOf(frame.Concat),
		"MergeOrConcat": reflect.ValueOf(frame.MergeOrConcat),
		"CommonColumns": reflect.ValueOf(frame.CommonColumns),
		"ParseJoinMode": reflect.ValueOf(frame.ParseJoinMode),
		"FormatValue":   reflect.ValueOf(frame.FormatValue),
		"Compare":       reflect.ValueOf(frame.Compare),
		"Normalize":     reflect.ValueOf(frame.Normalize),
	},
	DatasetImport + "/dataset": {
		"Dataset": reflect.ValueOf((*dataset.Dataset)(nil)),
		"Sample":  reflect.ValueOf((*dataset.Sample)(nil)),

		"Summarize": reflect.ValueOf(dataset.Summarize),
		"Tables":    reflect.ValueOf(dataset.Tables),
	},
}

// runSymbols binds the per-execution input and result hooks.
func runSymbols(input func() []dataset.Dataset, emit func(*frame.Table)) interp.Exports {
	return interp.Exports{
		runImport + "/run": {
			"Input": reflect.ValueOf(input),
			"Emit":  reflect.ValueOf(emit),
		},
	}
}
