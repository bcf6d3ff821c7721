package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/codegrok/codegrok/pkg/apperr"
)

// zipMagic holds the two byte sequences a valid (possibly empty) zip
// archive begins with, per spec.md §4.1.
var zipMagic = [][]byte{
	{'P', 'K', 0x03, 0x04},
	{'P', 'K', 0x05, 0x06},
}

// dangerousCharsPattern blocks shell metacharacters from ever reaching
// exec.Command, grounded on kraklabs-cie/pkg/ingestion/repo_loader.go.
var dangerousCharsPattern = regexp.MustCompile(`[;&|$` + "`" + `\n\r\\]`)

// Acquirer is the Source Acquirer (C1): it validates and materializes a
// codebase blob (archive bytes or a remote repository URL) into an
// in-memory path->content mapping, per spec.md §4.1.
type Acquirer struct {
	MaxArchiveSize int64
	MaxFileSize    int64
	URLAllowRe     *regexp.Regexp
}

// NewAcquirer creates an Acquirer with the configured size cap and URL
// allow-pattern (spec.md §4.1 default: `^https://github\.com/[^/]+/[^/]+`).
func NewAcquirer(maxArchiveSize, maxFileSize int64, urlAllowPattern string) (*Acquirer, error) {
	if urlAllowPattern == "" {
		urlAllowPattern = `^https://github\.com/[^/]+/[^/]+`
	}
	re, err := regexp.Compile(urlAllowPattern)
	if err != nil {
		return nil, fmt.Errorf("compile url allow pattern: %w", err)
	}
	if maxArchiveSize <= 0 {
		maxArchiveSize = 100 * 1024 * 1024
	}
	if maxFileSize <= 0 {
		maxFileSize = 1024 * 1024
	}
	return &Acquirer{MaxArchiveSize: maxArchiveSize, MaxFileSize: maxFileSize, URLAllowRe: re}, nil
}

// FileFlags records per-file facts the downstream stages need without
// re-reading the file (e.g. the size-skip flag C3 consults).
type FileFlags struct {
	OversizeForScan bool
}

// Acquired is C1's output: the materialized content map plus flags
// about files too large to scan for secrets (still included, per
// spec.md §4.1's "still included but flagged" policy).
type Acquired struct {
	Files map[string][]byte
	Flags map[string]FileFlags
}

// AcquireArchive validates and unpacks zip archive bytes, per spec.md
// §4.1. It rejects oversize archives and bad zip magic before parsing.
func (a *Acquirer) AcquireArchive(_ context.Context, data []byte) (*Acquired, error) {
	if int64(len(data)) > a.MaxArchiveSize {
		return nil, apperr.New(apperr.KindSizeExceeded, fmt.Sprintf("archive exceeds %d byte cap", a.MaxArchiveSize))
	}
	if !hasZipMagic(data) {
		return nil, apperr.New(apperr.KindUserInput, "not a zip archive (bad magic)")
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUserInput, "invalid zip archive", err)
	}

	out := &Acquired{Files: map[string][]byte{}, Flags: map[string]FileFlags{}}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		cleaned, ok := cleanEntryPath(f.Name)
		if !ok {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			continue
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}

		if !isValidUTF8(content) {
			continue
		}
		out.Files[cleaned] = content
		out.Flags[cleaned] = FileFlags{OversizeForScan: int64(len(content)) > a.MaxFileSize}
	}
	return out, nil
}

// AcquireURL validates a remote repository URL against the allow
// pattern, shallow-clones it into a temporary directory, and walks the
// result, per spec.md §4.1.
func (a *Acquirer) AcquireURL(ctx context.Context, repoURL string) (*Acquired, error) {
	if err := a.validateURL(repoURL); err != nil {
		return nil, apperr.Wrap(apperr.KindUserInput, "invalid repository url", err)
	}

	tmpDir, err := os.MkdirTemp("", "codegrok-acquire-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	cloneCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(cloneCtx, "git", "clone", "--depth", "1", "--quiet", repoURL, tmpDir)
	if err := cmd.Run(); err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, "git clone failed", err)
	}

	out := &Acquired{Files: map[string][]byte{}, Flags: map[string]FileFlags{}}
	err = filepath.WalkDir(tmpDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(tmpDir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if !isValidUTF8(content) {
			return nil
		}

		out.Files[rel] = content
		out.Flags[rel] = FileFlags{OversizeForScan: info.Size() > a.MaxFileSize}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk cloned repo: %w", err)
	}
	return out, nil
}

// validateURL enforces the allow pattern and rejects command-injection
// payloads before the URL ever reaches exec.Command, grounded on
// kraklabs-cie/pkg/ingestion/repo_loader.go's validateGitURL.
func (a *Acquirer) validateURL(repoURL string) error {
	if repoURL == "" {
		return fmt.Errorf("url is empty")
	}
	if dangerousCharsPattern.MatchString(repoURL) {
		return fmt.Errorf("url contains disallowed characters")
	}
	if !a.URLAllowRe.MatchString(repoURL) {
		return fmt.Errorf("url does not match the allowed host/path pattern")
	}
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("only https urls are allowed")
	}
	if parsed.User != nil {
		return fmt.Errorf("url must not carry embedded credentials")
	}
	return nil
}

// cleanEntryPath rejects path-traversal entries and returns a
// repo-relative, forward-slashed path, per spec.md §4.1.
func cleanEntryPath(name string) (string, bool) {
	name = filepath.ToSlash(name)
	if strings.HasPrefix(name, "/") || strings.Contains(name, "../") || name == ".." {
		return "", false
	}
	cleaned := filepath.ToSlash(filepath.Clean(name))
	if strings.HasPrefix(cleaned, "../") || cleaned == ".." || strings.HasPrefix(cleaned, "/") {
		return "", false
	}
	return cleaned, true
}

func hasZipMagic(data []byte) bool {
	for _, magic := range zipMagic {
		if len(data) >= len(magic) && bytes.Equal(data[:len(magic)], magic) {
			return true
		}
	}
	// An empty zip (end-of-central-directory only) can start directly
	// with the EOCD signature; accept either form.
	return len(data) >= 4 && bytes.Equal(data[:4], zipMagic[1])
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}
