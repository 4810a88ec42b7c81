package assets

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/runicorn/runicorn/errors"
)

// IgnoreList implements the gitignore-syntax subset accepted in .rnignore:
// blank lines and # comments are skipped; a trailing / matches directories
// only; a leading / anchors the pattern to the workspace root; otherwise the
// pattern matches any path segment. Negation (!) is not supported.
type IgnoreList struct {
	rules []ignoreRule
}

type ignoreRule struct {
	pattern  string
	anchored bool
	dirOnly  bool
}

// DefaultIgnores are always skipped regardless of .rnignore contents.
var DefaultIgnores = []string{
	".git/", ".hg/", ".svn/",
	"__pycache__/", "*.pyc",
	".runicorn/", "node_modules/",
}

// LoadIgnoreList reads an .rnignore file; a missing file yields only the
// default rules.
func LoadIgnoreList(path string) (*IgnoreList, error) {
	il := &IgnoreList{}
	for _, p := range DefaultIgnores {
		il.add(p)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return il, nil
		}
		return nil, errors.Wrapf(err, "read %s", path)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		il.add(line)
	}
	return il, nil
}

func (il *IgnoreList) add(pattern string) {
	rule := ignoreRule{pattern: pattern}
	if strings.HasSuffix(rule.pattern, "/") {
		rule.dirOnly = true
		rule.pattern = strings.TrimSuffix(rule.pattern, "/")
	}
	if strings.HasPrefix(rule.pattern, "/") {
		rule.anchored = true
		rule.pattern = strings.TrimPrefix(rule.pattern, "/")
	}
	il.rules = append(il.rules, rule)
}

// Match reports whether relPath (forward slashes) is ignored.
func (il *IgnoreList) Match(relPath string, isDir bool) bool {
	relPath = strings.Trim(relPath, "/")
	segments := strings.Split(relPath, "/")

	for _, rule := range il.rules {
		if rule.dirOnly && !isDir {
			// A dir-only rule still covers files beneath a matching directory;
			// those are excluded by the walk pruning, so only the directory
			// itself is tested here.
			if !matchesParent(rule, segments) {
				continue
			}
			return true
		}
		if rule.anchored {
			if ok, _ := filepath.Match(rule.pattern, relPath); ok {
				return true
			}
			if ok, _ := filepath.Match(rule.pattern, segments[0]); ok && len(segments) > 1 {
				return true
			}
			continue
		}
		for _, seg := range segments {
			if ok, _ := filepath.Match(rule.pattern, seg); ok {
				return true
			}
		}
		if ok, _ := filepath.Match(rule.pattern, relPath); ok {
			return true
		}
	}
	return false
}

func matchesParent(rule ignoreRule, segments []string) bool {
	if rule.anchored {
		ok, _ := filepath.Match(rule.pattern, segments[0])
		return ok
	}
	for _, seg := range segments {
		if ok, _ := filepath.Match(rule.pattern, seg); ok {
			return true
		}
	}
	return false
}
