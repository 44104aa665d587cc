package cik

import (
	"fmt"
	"strings"
)

// Candidate is one row of a company-search disambiguation table.
type Candidate struct {
	CIK  string
	Name string
}

// AmbiguousResolutionError is returned for a term the company search could
// not narrow down to one filer. The term is dropped, the batch continues.
type AmbiguousResolutionError struct {
	Term       string
	Candidates []Candidate
}

func (e *AmbiguousResolutionError) Error() string {
	names := make([]string, 0, min(len(e.Candidates), 3))
	for _, c := range e.Candidates[:min(len(e.Candidates), 3)] {
		names = append(names, c.Name)
	}
	more := ""
	if len(e.Candidates) > 3 {
		more = fmt.Sprintf(" and %d more", len(e.Candidates)-3)
	}
	return fmt.Sprintf("ambiguous term %q matches %d filers: %s%s",
		e.Term, len(e.Candidates), strings.Join(names, "; "), more)
}

// InvalidIdentifierError is returned when a term resolves to something other
// than a 10-digit CIK.
type InvalidIdentifierError struct {
	Term  string
	Value string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("term %q: %q is not a 10-digit CIK", e.Term, e.Value)
}
