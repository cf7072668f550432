// Package inputfiles reads and writes the flux-calibration batch manifest.
//
// A manifest holds free-form parameter lines followed by a data block:
//
//	[fluxcalib]
//	  extinct_correct = False
//
//	flux read
//	 path /data/spec1d
//	  filename | sensfile
//	  spec1d_a.fits | sens_std.fits
//	flux end
//
// File names are resolved against the path lines when they are queried,
// not when the manifest is written.
package inputfiles

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/RMahshie/fluxcal/internal/calerr"
	"github.com/RMahshie/fluxcal/internal/config"
	"github.com/rs/zerolog/log"
)

// Manifest column names.
const (
	ColFilename = "filename"
	ColSensfile = "sensfile"
)

const (
	blockStart = "flux read"
	blockEnd   = "flux end"
)

// Row is one science exposure of the manifest. SensFile may be blank.
type Row struct {
	Filename string
	SensFile string
}

// Pair is a resolved science file and the sensitivity file to apply.
type Pair struct {
	Science  string
	SensFile string
}

// FluxFile is a parsed manifest.
type FluxFile struct {
	// Config holds every non-blank line outside the data block, in order.
	Config []string
	Paths  []string
	Rows   []Row

	exists func(string) bool
}

// Option configures a FluxFile.
type Option func(*FluxFile)

// WithExists replaces the file existence check used to resolve names,
// for manifests whose paths are not local directories.
func WithExists(fn func(string) bool) Option {
	return func(f *FluxFile) { f.exists = fn }
}

// New returns a manifest from its parts.
func New(cfg, paths []string, rows []Row, opts ...Option) *FluxFile {
	f := &FluxFile{Config: cfg, Paths: paths, Rows: rows, exists: fileExists}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// ReadFile parses the manifest at path.
func ReadFile(path string, opts ...Option) (*FluxFile, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, calerr.Input("open flux file: %v", err)
	}
	defer fh.Close()
	f, err := Parse(fh, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse reads a manifest.
func Parse(r io.Reader, opts ...Option) (*FluxFile, error) {
	f := New(nil, nil, nil, opts...)
	var (
		inBlock, done bool
		header        []string
		lineNo        int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		raw := strings.TrimRight(sc.Text(), " \t\r")
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		switch {
		case !inBlock && strings.EqualFold(text, blockStart):
			if done {
				return nil, calerr.Input("line %d: second %q block", lineNo, blockStart)
			}
			inBlock = true
		case !inBlock:
			f.Config = append(f.Config, raw)
		case strings.EqualFold(text, blockEnd):
			inBlock, done = false, true
		case strings.HasPrefix(text, "#"):
		case isPathLine(text):
			f.Paths = append(f.Paths, strings.TrimSpace(text[len("path"):]))
		case header == nil:
			header = splitRow(text)
			if err := checkHeader(header); err != nil {
				return nil, calerr.Input("line %d: %v", lineNo, err)
			}
		default:
			cells := splitRow(text)
			if len(cells) > len(header) {
				return nil, calerr.Input("line %d: %d columns, header has %d", lineNo, len(cells), len(header))
			}
			f.Rows = append(f.Rows, rowFrom(header, cells))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read flux file: %w", err)
	}
	if inBlock {
		return nil, calerr.Input("missing %q", blockEnd)
	}
	if !done {
		return nil, calerr.Input("missing %q block", blockStart)
	}
	if len(f.Rows) == 0 {
		return nil, calerr.Input("flux file lists no science files")
	}
	return f, nil
}

func isPathLine(text string) bool {
	fields := strings.Fields(text)
	return len(fields) >= 2 && strings.EqualFold(fields[0], "path")
}

func splitRow(text string) []string {
	cells := strings.Split(text, "|")
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

func checkHeader(header []string) error {
	seen := make(map[string]bool)
	for _, h := range header {
		switch strings.ToLower(h) {
		case ColFilename, ColSensfile:
		default:
			return fmt.Errorf("unknown column %q", h)
		}
		seen[strings.ToLower(h)] = true
	}
	if !seen[ColFilename] {
		return fmt.Errorf("no %q column", ColFilename)
	}
	return nil
}

func rowFrom(header, cells []string) Row {
	var r Row
	for i, c := range cells {
		switch strings.ToLower(header[i]) {
		case ColFilename:
			r.Filename = c
		case ColSensfile:
			r.SensFile = c
		}
	}
	return r
}

// WriteFile writes the manifest to path.
func (f *FluxFile) WriteFile(path string) error {
	var b strings.Builder
	if _, err := f.WriteTo(&b); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write flux file: %w", err)
	}
	return nil
}

// WriteTo renders the manifest.
func (f *FluxFile) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	for _, l := range f.Config {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if len(f.Config) > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(blockStart + "\n")
	for _, p := range f.Paths {
		fmt.Fprintf(&b, " path %s\n", p)
	}
	width := len(ColFilename)
	for _, r := range f.Rows {
		width = max(width, len(r.Filename))
	}
	fmt.Fprintf(&b, "  %-*s | %s\n", width, ColFilename, ColSensfile)
	for _, r := range f.Rows {
		fmt.Fprintf(&b, "  %-*s | %s\n", width, r.Filename, r.SensFile)
	}
	b.WriteString(blockEnd + "\n")

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// resolve returns the first path holding name, else name joined with the
// first path, else name itself.
func (f *FluxFile) resolve(name string) string {
	if filepath.IsAbs(name) || len(f.Paths) == 0 {
		return name
	}
	for _, p := range f.Paths {
		if full := filepath.Join(p, name); f.exists(full) {
			return full
		}
	}
	log.Warn().Str("file", name).Strs("paths", f.Paths).Msg("Manifest file not found in any path")
	return filepath.Join(f.Paths[0], name)
}

// Filenames returns the resolved science files.
func (f *FluxFile) Filenames() []string {
	out := make([]string, len(f.Rows))
	for i, r := range f.Rows {
		out[i] = f.resolve(r.Filename)
	}
	return out
}

// Sensfiles returns the resolved non-blank sensitivity files in row order.
func (f *FluxFile) Sensfiles() []string {
	var out []string
	for _, r := range f.Rows {
		if r.SensFile != "" {
			out = append(out, f.resolve(r.SensFile))
		}
	}
	return out
}

// Pairs matches every science file with its sensitivity file. When exactly
// one row names a sensitivity file it applies to every science file;
// otherwise rows without one get a blank SensFile.
func (f *FluxFile) Pairs() []Pair {
	science := f.Filenames()
	sens := f.Sensfiles()
	out := make([]Pair, len(science))
	for i, s := range science {
		out[i].Science = s
		switch {
		case len(sens) == 1:
			out[i].SensFile = sens[0]
		case f.Rows[i].SensFile != "":
			out[i].SensFile = f.resolve(f.Rows[i].SensFile)
		}
	}
	return out
}

// Params parses the configuration lines over base.
func (f *FluxFile) Params(base config.Params) (config.Params, error) {
	return config.ParseParams(base, f.Config)
}
