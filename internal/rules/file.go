package rules

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSource reads rules from a YAML file on every fetch:
//
//	obrigatorias: [CPF, Nome]
//	regras:
//	  - Valores devem ser somados por colaborador no mês
type FileSource struct {
	Path string
}

func (f FileSource) Fetch(context.Context) (RuleSet, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("reading rules file: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parsing rules file %s: %w", f.Path, err)
	}
	if len(rs.Required) == 0 && len(rs.Constraints) == 0 {
		return RuleSet{}, fmt.Errorf("rules file %s is empty", f.Path)
	}
	return rs, nil
}
