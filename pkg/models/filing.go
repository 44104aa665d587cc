package models

import (
	"path"
	"strings"
	"time"
)

// --- EDGAR Filings ---

// FilingEntry is one filing located through an index file or a company
// listing. Entries are built per retrieval call and never persisted.
type FilingEntry struct {
	CIK         string    `json:"cik"`
	CompanyName string    `json:"company_name"`
	FormType    string    `json:"form_type"` // "10-K", "10-Q", "8-K", "4", etc.
	DateFiled   time.Time `json:"date_filed"`
	FileName    string    `json:"file_name"` // e.g. "edgar/data/320193/0000320193-20-000008.txt"

	// Ordinal is the 0-based position of the entry among the entries accepted
	// so far, in upstream order. It is assigned before the filter runs.
	Ordinal int `json:"ordinal"`
}

// DerivedPath returns the path of the filing document relative to the
// archive host root.
func (e FilingEntry) DerivedPath() string {
	return "Archives/" + strings.TrimPrefix(e.FileName, "/")
}

// AccessionNumber returns the accession number embedded in FileName,
// e.g. "0000320193-20-000008".
func (e FilingEntry) AccessionNumber() string {
	base := path.Base(e.FileName)
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	return base
}

// Quarter returns the calendar quarter (1-4) of DateFiled.
func (e FilingEntry) Quarter() int {
	return (int(e.DateFiled.Month())-1)/3 + 1
}

// DownloadTask is the atomic unit of the fetch pipeline: one URL saved to
// one destination path.
type DownloadTask struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}
