package fetch

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/shayne-snap/llmshrink/internal/errs"
)

// Source is a parsed model location: a hub repository or a local directory.
type Source struct {
	RepoID   string
	Revision string
	Dir      string
}

var repoIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*/[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ParseSource accepts "org/name", "hf://org/name", "https://huggingface.co/org/name[/tree/rev]"
// or a path to an existing directory.
func ParseSource(uri string) (Source, error) {
	s := strings.TrimSpace(uri)
	if s == "" {
		return Source{}, errs.New(errs.KindResolution, "resolve", "empty model source")
	}
	if fi, err := os.Stat(s); err == nil && fi.IsDir() {
		abs, err := filepath.Abs(s)
		if err != nil {
			return Source{}, errs.E(errs.KindResolution, "resolve", err)
		}
		return Source{Dir: abs}, nil
	}
	if strings.HasPrefix(s, "hf://") {
		s = strings.TrimPrefix(s, "hf://")
	} else if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		u, err := url.Parse(s)
		if err != nil {
			return Source{}, errs.E(errs.KindResolution, "resolve", fmt.Errorf("malformed source %q: %w", uri, err))
		}
		s = strings.Trim(u.Path, "/")
	}
	var rev string
	parts := strings.Split(s, "/")
	if len(parts) >= 4 && (parts[2] == "tree" || parts[2] == "resolve" || parts[2] == "blob") {
		rev = parts[3]
		parts = parts[:2]
	}
	if i := strings.Index(parts[len(parts)-1], "@"); i > 0 {
		rev = parts[len(parts)-1][i+1:]
		parts[len(parts)-1] = parts[len(parts)-1][:i]
	}
	id := strings.Join(parts, "/")
	if !repoIDPattern.MatchString(id) {
		return Source{}, errs.New(errs.KindResolution, "resolve",
			fmt.Sprintf("malformed source %q: want org/name, a huggingface.co URL or a local directory", uri))
	}
	return Source{RepoID: id, Revision: rev}, nil
}

// IsLocal reports whether the source is a directory on disk.
func (s Source) IsLocal() bool { return s.Dir != "" }

func (s Source) revision() string {
	if s.Revision == "" {
		return "main"
	}
	return s.Revision
}

func (s Source) String() string {
	if s.IsLocal() {
		return s.Dir
	}
	if s.Revision != "" {
		return s.RepoID + "@" + s.Revision
	}
	return s.RepoID
}

// CacheDir returns where a hub source's files are stored under root.
func (s Source) CacheDir(root string) string {
	if s.IsLocal() {
		return s.Dir
	}
	return filepath.Join(root, strings.ReplaceAll(s.RepoID, "/", "--"), s.revision())
}
