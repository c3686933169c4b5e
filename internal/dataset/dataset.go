// Package dataset defines the ingested table record and the bounded summary
// handed to the code-generation oracle.
package dataset

import (
	"github.com/kalambet/consolida/internal/frame"
)

// PreviewRows is the maximum number of rows a Sample previews.
const PreviewRows = 10

// Dataset is one table extracted from an archive entry. Index is 0-based
// and contiguous within a single ingestion.
type Dataset struct {
	Index      int          `json:"indice_dataframe"`
	SourceName string       `json:"nome_arquivo"`
	SchemaInfo string       `json:"info"`
	Rows       *frame.Table `json:"dados"`
}

// Sample is a bounded structural summary of a Dataset.
type Sample struct {
	Index      int      `json:"indice_dataframe"`
	SourceName string   `json:"nome_arquivo"`
	SchemaInfo string   `json:"info"`
	Columns    []string `json:"colunas"`
	RowCount   int      `json:"total_linhas"`
	Preview    string   `json:"primeiras_10_linhas"`
}

// Summarize returns one Sample per dataset, in input order.
func Summarize(datasets []Dataset) []Sample {
	out := make([]Sample, 0, len(datasets))
	for _, d := range datasets {
		out = append(out, summarize(d))
	}
	return out
}

func summarize(d Dataset) Sample {
	s := Sample{
		Index:      d.Index,
		SourceName: d.SourceName,
		SchemaInfo: d.SchemaInfo,
	}
	if d.Rows == nil {
		return s
	}
	s.Columns = d.Rows.Columns()
	s.RowCount = d.Rows.Len()
	s.Preview = d.Rows.Render(PreviewRows)
	return s
}

// Tables returns the tables of the datasets in order.
func Tables(datasets []Dataset) []*frame.Table {
	out := make([]*frame.Table, len(datasets))
	for i, d := range datasets {
		out[i] = d.Rows
	}
	return out
}
