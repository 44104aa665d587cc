// Package layout turns naming templates into destination paths for retrieved
// filings.
package layout

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/seenimoa/edgarsync/pkg/models"
	"github.com/seenimoa/edgarsync/pkg/utils"
)

// DefaultTemplate is the layout used when none is configured.
const DefaultTemplate = "{cik}/{type}/{accession_number}"

// Placeholders a template may use.
const (
	PlaceholderCIK       = "cik"
	PlaceholderType      = "type"
	PlaceholderDate      = "date"
	PlaceholderYear      = "year"
	PlaceholderQuarter   = "quarter"
	PlaceholderAccession = "accession_number"
)

var (
	placeholderRe = regexp.MustCompile(`\{([^{}]*)\}`)

	known = map[string]bool{
		PlaceholderCIK:       true,
		PlaceholderType:      true,
		PlaceholderDate:      true,
		PlaceholderYear:      true,
		PlaceholderQuarter:   true,
		PlaceholderAccession: true,
	}

	// ErrEmptyTemplate is returned by Parse for a blank template.
	ErrEmptyTemplate = errors.New("empty naming template")

	// ErrNoAccession is returned by Parse for a template that would map
	// different filings to the same path.
	ErrNoAccession = errors.New("naming template must contain {" + PlaceholderAccession + "}")

	valueEscaper = strings.NewReplacer("/", "_", "\\", "_", "\x00", "_")
)

// Template is a parsed naming template such as "{cik}/{type}/{accession_number}".
type Template struct {
	raw string
}

// Parse validates a template. Unknown placeholders, unbalanced braces,
// absolute paths, ".." segments and templates without {accession_number}
// are rejected.
func Parse(raw string) (Template, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Template{}, ErrEmptyTemplate
	}
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "\\") || filepath.IsAbs(raw) {
		return Template{}, fmt.Errorf("naming template %q: must be relative", raw)
	}
	for _, seg := range strings.FieldsFunc(raw, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return Template{}, fmt.Errorf("naming template %q: must not contain \"..\"", raw)
		}
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(raw, -1) {
		if !known[m[1]] {
			return Template{}, fmt.Errorf("naming template %q: unknown placeholder {%s}", raw, m[1])
		}
	}
	if rest := placeholderRe.ReplaceAllString(raw, ""); strings.ContainsAny(rest, "{}") {
		return Template{}, fmt.Errorf("naming template %q: unbalanced braces", raw)
	}
	if !strings.Contains(raw, "{"+PlaceholderAccession+"}") {
		return Template{}, fmt.Errorf("naming template %q: %w", raw, ErrNoAccession)
	}
	return Template{raw: raw}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(raw string) Template {
	t, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the template source.
func (t Template) String() string { return t.raw }

// Render returns the slash-separated relative path of entry. A file name
// without an extension gets ".txt".
func (t Template) Render(entry models.FilingEntry) string {
	if t.raw == "" {
		t = MustParse(DefaultTemplate)
	}
	values := map[string]string{
		PlaceholderCIK:       utils.PadCIK(entry.CIK),
		PlaceholderType:      entry.FormType,
		PlaceholderDate:      utils.FormatDate(entry.DateFiled),
		PlaceholderYear:      strconv.Itoa(entry.DateFiled.Year()),
		PlaceholderQuarter:   strconv.Itoa(entry.Quarter()),
		PlaceholderAccession: entry.AccessionNumber(),
	}
	out := placeholderRe.ReplaceAllStringFunc(t.raw, func(m string) string {
		v := valueEscaper.Replace(strings.TrimSpace(values[m[1:len(m)-1]]))
		if v == "" || v == "." || v == ".." {
			v = "_"
		}
		return v
	})
	out = path.Clean(strings.ReplaceAll(out, "\\", "/"))
	if path.Ext(out) == "" {
		out += ".txt"
	}
	return out
}

// Path joins the rendered path of entry onto root using the OS separator.
func (t Template) Path(root string, entry models.FilingEntry) string {
	return filepath.Join(root, filepath.FromSlash(t.Render(entry)))
}
