// Package rules fetches the benefit rule set and checks a consolidated
// table against its required columns. Rule failures never fail a
// consolidation; they mark validation as skipped.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/kalambet/consolida/internal/frame"
)

// RuleSet is the rule payload: required column names and free-text
// constraints for downstream processing.
type RuleSet struct {
	Required    []string `json:"obrigatorias" yaml:"obrigatorias"`
	Constraints []string `json:"regras" yaml:"regras"`
}

// Source provides a RuleSet.
type Source interface {
	Fetch(ctx context.Context) (RuleSet, error)
}

// Static serves a fixed RuleSet.
type Static RuleSet

func (s Static) Fetch(context.Context) (RuleSet, error) { return RuleSet(s), nil }

// Default is the rule set served when no rule file is configured.
func Default() RuleSet {
	return RuleSet{
		Required: []string{"CPF", "Nome", "Valor_VR", "Data"},
		Constraints: []string{
			"Se CPF estiver vazio, marcar registro como inválido",
			"Se Nome estiver ausente, sinalizar erro crítico",
			"Se Valor_VR for menor ou igual a zero, sinalizar erro",
			"Aplicar desconto de até 20% sobre o VR conforme CLT Art. 458",
			"Valores devem ser somados por colaborador no mês",
		},
	}
}

// Report is the outcome of validating a table.
type Report struct {
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
	// Rules is the rule set the table was checked against.
	Rules          RuleSet        `json:"rules"`
	MissingColumns []string       `json:"missing_columns,omitempty"`
	EmptyCells     map[string]int `json:"empty_cells,omitempty"`
}

// Valid reports whether validation ran and found every required column.
func (r Report) Valid() bool { return !r.Skipped && len(r.MissingColumns) == 0 }

// Validate fetches rules from src and checks tbl. A failing source yields a
// skipped report.
func Validate(ctx context.Context, src Source, tbl *frame.Table) Report {
	rs, err := src.Fetch(ctx)
	if err != nil {
		slog.Warn("rule fetch failed; skipping validation", "error", err)
		return Report{Skipped: true, Reason: err.Error()}
	}
	return Check(rs, tbl)
}

// Check compares tbl against rs. Column names match ignoring case, accents,
// spaces and hyphens.
func Check(rs RuleSet, tbl *frame.Table) Report {
	rep := Report{Rules: rs}
	cols := make(map[string]string)
	for _, c := range tbl.Columns() {
		cols[Fold(c)] = c
	}
	for _, req := range rs.Required {
		actual, ok := cols[Fold(req)]
		if !ok {
			rep.MissingColumns = append(rep.MissingColumns, req)
			continue
		}
		col, _ := tbl.Column(actual)
		empty := 0
		for _, v := range col {
			if v == nil {
				empty++
			} else if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
				empty++
			}
		}
		if empty > 0 {
			if rep.EmptyCells == nil {
				rep.EmptyCells = make(map[string]int)
			}
			rep.EmptyCells[req] = empty
		}
	}
	return rep
}

// RequireColumns returns an acceptance check failing when tbl lacks any
// required column of the rule set src returns. The rules are fetched on every
// check; when src fails the check passes.
func RequireColumns(src Source) func(context.Context, *frame.Table) error {
	return func(ctx context.Context, tbl *frame.Table) error {
		rs, err := src.Fetch(ctx)
		if err != nil {
			slog.Warn("rule fetch failed; accepting table", "error", err)
			return nil
		}
		if rep := Check(rs, tbl); len(rep.MissingColumns) > 0 {
			return fmt.Errorf("df is missing required columns: %s", strings.Join(rep.MissingColumns, ", "))
		}
		return nil
	}
}

// Fold normalizes a column name for comparison.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.ToLower(strings.TrimSpace(out))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(out)
}
