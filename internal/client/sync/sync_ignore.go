package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openmined/treesync/internal/syncmsg"
	"github.com/openmined/treesync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

const (
	// IgnoreFileName lives at the root of the synced directory and is synced itself.
	IgnoreFileName = ".treesyncignore"

	// MetadataDirName holds engine state and is never synced.
	MetadataDirName = ".treesync"
)

var defaultIgnoreLines = []string{
	MetadataDirName + "/",
	// atomic write leftovers
	utils.AtomicTempPattern,
	// vcs
	".git",
	".hg",
	".svn",
	// editors
	".idea",
	".vscode",
	"*.swp",
	"*.swo",
	"*~",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
}

type SyncIgnoreList struct {
	baseDir string
	mu      sync.RWMutex
	ignore  *gitignore.GitIgnore
	rules   int
}

func NewSyncIgnoreList(baseDir string) *SyncIgnoreList {
	return &SyncIgnoreList{
		baseDir: baseDir,
		ignore:  gitignore.CompileIgnoreLines(defaultIgnoreLines...),
	}
}

// Load (re)compiles the default rules plus the rules in the ignore file, if present.
func (s *SyncIgnoreList) Load() {
	ignorePath := filepath.Join(s.baseDir, IgnoreFileName)
	ignoreLines := append([]string{}, defaultIgnoreLines...)
	rules := 0

	if utils.FileExists(ignorePath) {
		lines, err := readIgnoreLines(ignorePath)
		if err != nil {
			slog.Warn("ignore file read", "path", ignorePath, "error", err)
		} else {
			ignoreLines = append(ignoreLines, lines...)
			rules = len(lines)
			slog.Info("ignore file loaded", "path", ignorePath, "rules", rules)
		}
	}

	compiled := gitignore.CompileIgnoreLines(ignoreLines...)

	s.mu.Lock()
	s.ignore = compiled
	s.rules = rules
	s.mu.Unlock()
}

// Rules is the number of custom rules from the ignore file.
func (s *SyncIgnoreList) Rules() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// ShouldIgnore accepts a path relative to the base dir or an absolute path below it.
// Absolute paths outside the base dir are never ignored.
func (s *SyncIgnoreList) ShouldIgnore(path string) bool {
	rel := path
	if filepath.IsAbs(path) {
		var err error
		rel, err = filepath.Rel(s.baseDir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return false
		}
	}

	rel = syncmsg.NormPath(filepath.ToSlash(rel))
	if rel == "" {
		return false
	}
	if isMetadataPath(rel) {
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ignore.MatchesPath(rel)
}

func isMetadataPath(rel string) bool {
	return rel == MetadataDirName || strings.HasPrefix(rel, MetadataDirName+"/")
}

func readIgnoreLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
