package guard

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"safegate/internal/logger"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// BadPattern is one previously observed bad output, with the remediation
// steps recorded when it was diagnosed.
type BadPattern struct {
	ID              string   `yaml:"id"`
	Signature       string   `yaml:"signature"`
	Severity        Severity `yaml:"severity"`
	PreventionSteps []string `yaml:"prevention_steps"`
}

// PatternMatch pairs a stored pattern with its similarity to a query.
type PatternMatch struct {
	Pattern    BadPattern
	Similarity float64
}

// PatternStore is the read-only similarity lookup collaborator. The real
// deployment may back this with an embedding index; the gate only needs
// ranked matches.
type PatternStore interface {
	Query(signature string, limit int) ([]PatternMatch, error)
}

type patternFile struct {
	Patterns []BadPattern `yaml:"patterns"`
}

// FileStore is a YAML-backed PatternStore with token-overlap similarity.
// It hot-reloads when the backing file changes.
type FileStore struct {
	mu       sync.RWMutex
	path     string
	patterns []BadPattern

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: strings.TrimSpace(path), stopCh: make(chan struct{})}
	if s.path == "" {
		return nil, fmt.Errorf("pattern store path cannot be empty")
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts hot-reloading the backing file. Safe to skip in tests.
func (s *FileStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher
	go func() {
		for {
			select {
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					logger.Errorf("pattern store reload failed (%s): %v", evt.Name, err)
					continue
				}
				logger.Infof("pattern store reloaded: %d patterns", s.size())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("pattern store watcher error: %v", err)
			case <-s.stopCh:
				return
			}
		}
	}()
	return nil
}

func (s *FileStore) Close() error {
	close(s.stopCh)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing pattern store failed: %w", err)
	}
	for i := range file.Patterns {
		if file.Patterns[i].Severity == "" {
			file.Patterns[i].Severity = SeverityInfo
		}
	}
	s.mu.Lock()
	s.patterns = file.Patterns
	s.mu.Unlock()
	return nil
}

func (s *FileStore) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

// Query ranks stored patterns by Jaccard token overlap with the signature.
func (s *FileStore) Query(signature string, limit int) ([]PatternMatch, error) {
	queryTokens := tokenize(signature)
	if len(queryTokens) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	patterns := s.patterns
	s.mu.RUnlock()

	matches := make([]PatternMatch, 0, len(patterns))
	for _, p := range patterns {
		sim := jaccard(queryTokens, tokenize(p.Signature))
		if sim <= 0 {
			continue
		}
		matches = append(matches, PatternMatch{Pattern: p, Similarity: sim})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?()[]\"'")
		if len(tok) < 2 {
			continue
		}
		tokens[tok] = struct{}{}
	}
	return tokens
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
