package sync

import (
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
)

// SyncIgnoreList decides which relative paths stay local. Rules come from the ignore file at
// the local root followed by the configured patterns, so configured patterns win on conflict.
// A disabled list carries no rules, configured patterns included.
type SyncIgnoreList struct {
	baseDir  string
	enabled  bool
	file     string
	patterns []string
	fs       afero.Fs
	ignore   *gitignore.GitIgnore
}

func NewSyncIgnoreList(baseDir string, enabled bool, ignoreFile string, patterns []string, fsys afero.Fs) *SyncIgnoreList {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &SyncIgnoreList{
		baseDir:  baseDir,
		enabled:  enabled,
		file:     ignoreFile,
		patterns: patterns,
		fs:       fsys,
	}
}

// Load compiles the rule set. A missing or unreadable ignore file leaves only the configured patterns.
func (s *SyncIgnoreList) Load() {
	if !s.enabled {
		s.ignore = nil
		return
	}

	var lines []string
	if s.file != "" {
		ignorePath := s.file
		if !filepath.IsAbs(ignorePath) {
			ignorePath = filepath.Join(s.baseDir, ignorePath)
		}

		data, err := afero.ReadFile(s.fs, ignorePath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Debug("no ignore file", "path", ignorePath)
		case err != nil:
			slog.Warn("failed to read ignore file", "path", ignorePath, "error", err)
		default:
			rules := 0
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimRight(line, "\r")
				if strings.TrimSpace(line) == "" {
					continue
				}
				lines = append(lines, line)
				rules++
			}
			slog.Info("loaded ignore file", "path", ignorePath, "rules", rules)
		}
	}

	lines = append(lines, s.patterns...)
	s.ignore = gitignore.CompileIgnoreLines(lines...)
}

// ShouldSkip reports whether relPath matches the rule set. Empty, blank and absolute paths
// are never skipped here; callers drop those before asking.
func (s *SyncIgnoreList) ShouldSkip(relPath string) bool {
	if !s.enabled || s.ignore == nil {
		return false
	}
	if strings.TrimSpace(relPath) == "" || filepath.IsAbs(relPath) || strings.HasPrefix(relPath, "/") {
		return false
	}
	return s.ignore.MatchesPath(filepath.ToSlash(relPath))
}
