// Package archive implements bulk retrieval: it downloads the per-day
// dissemination archives of a period, unpacks them with a bounded worker pool
// and relocates the wanted filings into their layout destinations.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seenimoa/edgarsync/internal/edgar"
	"github.com/seenimoa/edgarsync/internal/fetch"
	"github.com/seenimoa/edgarsync/internal/index"
	"github.com/seenimoa/edgarsync/internal/infra"
	"github.com/seenimoa/edgarsync/internal/layout"
	"github.com/seenimoa/edgarsync/pkg/models"
)

// archiveSuffix is the extension of a dissemination archive.
const archiveSuffix = ".nc.tar.gz"

// Suffixes are the file-name variants tried, in order, for a wanted
// accession number: the original submission, then same-day corrections.
var Suffixes = []string{".nc", ".corr01.nc", ".corr02.nc", ".corr03.nc", ".corr04.nc"}

// MissingArchiveEntryError is returned in strict mode when wanted filings
// are absent from every unpacked archive.
type MissingArchiveEntryError struct {
	Period     index.Period
	Accessions []string
}

func (e *MissingArchiveEntryError) Error() string {
	return fmt.Sprintf("%s: %d filings missing from archives: %s",
		e.Period, len(e.Accessions), strings.Join(e.Accessions, ", "))
}

// Fetcher is the part of fetch.Fetcher the extractor uses.
type Fetcher interface {
	Get(ctx context.Context, req fetch.Request) ([]byte, error)
	FetchBatch(ctx context.Context, tasks []models.DownloadTask) error
}

// Options tune an Extractor.
type Options struct {
	// ScratchDir is the parent of the per-call scratch directory. Empty means
	// os.TempDir().
	ScratchDir string
	// Workers bounds the unpack and relocate pools. Zero means GOMAXPROCS.
	Workers int
	// Strict fails the call when a wanted filing is missing from the archives.
	// Otherwise missing filings are logged and skipped.
	Strict bool
	Logger *zap.Logger
}

// Result lists what one Extract call produced.
type Result struct {
	Files   []string             // destination paths, sorted
	Missing []models.FilingEntry // entries skipped in lenient mode
}

// Extractor runs the bulk pipeline. It is safe for concurrent use; each call
// owns its own scratch directory.
type Extractor struct {
	fetcher   Fetcher
	endpoints edgar.Endpoints
	opts      Options
	log       *zap.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(f Fetcher, endpoints edgar.Endpoints, opts Options) *Extractor {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{fetcher: f, endpoints: endpoints, opts: opts, log: log.Named("archive")}
}

// unpacked maps an extracted file's base name to its scratch path.
type unpacked struct {
	name string
	path string
}

// Extract retrieves entries of period p from the bulk archives and places each
// at tmpl's destination under root. The scratch directory is removed before
// Extract returns, whatever the outcome.
func (x *Extractor) Extract(ctx context.Context, p index.Period, entries []models.FilingEntry, root string, tmpl layout.Template) (Result, error) {
	if len(entries) == 0 {
		return Result{}, nil
	}

	urls, err := x.archiveURLs(ctx, p, entries)
	if err != nil {
		return Result{}, err
	}

	scratch := filepath.Join(x.opts.ScratchDir, "edgarsync-"+uuid.NewString())
	if err := infra.EnsureDir(scratch); err != nil {
		return Result{}, err
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			x.log.Warn("remove scratch directory", zap.String("dir", scratch), zap.Error(err))
		}
	}()

	// Stage 2: download.
	tasks := make([]models.DownloadTask, len(urls))
	for i, u := range urls {
		tasks[i] = models.DownloadTask{URL: u, Path: filepath.Join(scratch, "archives", path.Base(u))}
	}
	if err := x.fetcher.FetchBatch(ctx, tasks); err != nil {
		return Result{}, fmt.Errorf("download %s archives: %w", p, err)
	}

	// Stage 3: unpack.
	files, err := x.unpackAll(ctx, scratch, tasks)
	if err != nil {
		return Result{}, err
	}

	// Stage 4: match.
	moves, missing := match(entries, files, root, tmpl)
	if len(missing) > 0 {
		accessions := lo.Map(missing, func(e models.FilingEntry, _ int) string { return e.AccessionNumber() })
		if x.opts.Strict {
			return Result{}, &MissingArchiveEntryError{Period: p, Accessions: accessions}
		}
		x.log.Warn("filings missing from archives",
			zap.Stringer("period", p),
			zap.Strings("accessions", accessions),
		)
	}

	// Stage 5: relocate.
	if err := x.relocate(ctx, moves); err != nil {
		return Result{}, err
	}

	var res Result
	for _, dsts := range moves {
		res.Files = append(res.Files, dsts...)
	}
	sort.Strings(res.Files)
	res.Missing = missing
	x.log.Info("extracted",
		zap.Stringer("period", p),
		zap.Int("archives", len(tasks)),
		zap.Int("files", len(res.Files)),
		zap.Int("missing", len(missing)),
	)
	return res, nil
}

// archiveURLs returns the archives holding entries. A day has one archive;
// a quarter's archives are read from its directory listing because some
// historical days are irregular or missing.
func (x *Extractor) archiveURLs(ctx context.Context, p index.Period, entries []models.FilingEntry) ([]string, error) {
	if p.Granularity == index.Daily {
		return []string{x.endpoints.FeedArchive(p.Year, p.Quarter, p.Date.Format("20060102"))}, nil
	}

	dir := x.endpoints.FeedDir(p.Year, p.Quarter)
	body, err := x.fetcher.Get(ctx, fetch.NewRequest(dir, nil))
	if err != nil {
		return nil, fmt.Errorf("list %s archives: %w", p, err)
	}
	listed, err := parseListing(dir, body)
	if err != nil {
		return nil, fmt.Errorf("list %s archives: %w", p, err)
	}

	wanted := make(map[string]bool, len(entries))
	for _, e := range entries {
		wanted[e.DateFiled.Format("20060102")] = true
	}
	urls := lo.Filter(listed, func(u string, _ int) bool {
		return wanted[strings.TrimSuffix(path.Base(u), archiveSuffix)]
	})
	return urls, nil
}

// parseListing extracts archive links from a directory listing page.
func parseListing(dir string, body []byte) ([]string, error) {
	base, err := url.Parse(dir)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	var urls []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if !strings.HasSuffix(href, archiveSuffix) {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		urls = append(urls, base.ResolveReference(ref).String())
	})
	urls = lo.Uniq(urls)
	sort.Strings(urls)
	return urls, nil
}

// unpackAll unpacks every archive with a bounded pool. File names flow back
// over a channel to a single collector.
func (x *Extractor) unpackAll(ctx context.Context, scratch string, archives []models.DownloadTask) (map[string]string, error) {
	results := make(chan unpacked)
	files := make(map[string]string)
	var collect sync.WaitGroup
	collect.Add(1)
	go func() {
		defer collect.Done()
		for u := range results {
			if _, dup := files[u.name]; !dup {
				files[u.name] = u.path
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.opts.Workers)
	for _, a := range archives {
		g.Go(func() error {
			stem := strings.TrimSuffix(filepath.Base(a.Path), archiveSuffix)
			out := filepath.Join(scratch, "unpacked", stem)
			if err := unpack(gctx, a.Path, out, results); err != nil {
				return fmt.Errorf("unpack %s: %w", filepath.Base(a.Path), err)
			}
			if err := os.Remove(a.Path); err != nil {
				return fmt.Errorf("remove archive: %w", err)
			}
			return nil
		})
	}
	err := g.Wait()
	close(results)
	collect.Wait()
	if err != nil {
		return nil, err
	}
	return files, nil
}

// unpack extracts the regular files of a gzipped tar archive into dir,
// flattening any directory structure.
func unpack(ctx context.Context, archivePath, dir string, results chan<- unpacked) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()

	if err := infra.EnsureDir(dir); err != nil {
		return err
	}
	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Base(strings.ReplaceAll(hdr.Name, "\\", "/"))
		if name == "." || name == "/" || name == ".." {
			continue
		}
		dst := filepath.Join(dir, name)
		if _, err := infra.WriteFileAtomic(dst, tr); err != nil {
			return err
		}
		select {
		case results <- unpacked{name: name, path: dst}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// match pairs each entry with an unpacked file, trying Suffixes in order.
// The result maps a scratch file to its destinations; the same accession is
// listed once per party to the filing.
func match(entries []models.FilingEntry, files map[string]string, root string, tmpl layout.Template) (map[string][]string, []models.FilingEntry) {
	moves := make(map[string][]string)
	seen := make(map[string]bool)
	var missing []models.FilingEntry
	for _, e := range entries {
		stem := e.AccessionNumber()
		src := ""
		for _, suffix := range Suffixes {
			if p, ok := files[stem+suffix]; ok {
				src = p
				break
			}
		}
		if src == "" {
			missing = append(missing, e)
			continue
		}
		dst := tmpl.Path(root, e)
		if seen[dst] {
			continue
		}
		seen[dst] = true
		moves[src] = append(moves[src], dst)
	}
	return moves, missing
}

// relocate moves scratch files into place with a bounded pool. Extra
// destinations of one source get copies.
func (x *Extractor) relocate(ctx context.Context, moves map[string][]string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.opts.Workers)
	for src, dsts := range moves {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for _, dst := range dsts[1:] {
				if err := copyFile(src, dst); err != nil {
					return err
				}
			}
			if err := infra.MoveFile(src, dsts[0]); err != nil {
				return fmt.Errorf("relocate %s: %w", filepath.Base(src), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if _, err := infra.WriteFileAtomic(dst, in); err != nil {
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return nil
}
