package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileExtension is the suffix of rule files picked up by LoadDir.
const FileExtension = ".yaral"

// Store holds compiled rules in load order. It is read-only after construction.
type Store struct {
	rules  []*Rule
	errors []*CompileError
}

// NewStore builds a store from already compiled rules; duplicate names keep the first.
func NewStore(rules ...*Rule) *Store {
	s := &Store{}
	for _, r := range rules {
		s.add(r)
	}
	return s
}

func (s *Store) add(r *Rule) bool {
	for _, existing := range s.rules {
		if existing.Name == r.Name {
			s.errors = append(s.errors, &CompileError{Rule: r.Name, Source: r.Source, Reason: fmt.Sprintf("duplicate rule name (first defined in %s)", existing.Source)})
			return false
		}
	}
	s.rules = append(s.rules, r)
	return true
}

// LoadDir compiles every rule file in dir. Invalid rules are skipped and
// logged; a missing directory yields an empty store.
func LoadDir(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store := &Store{}
	if dir == "" {
		logger.Warn("no rule directory configured; rule store is empty")
		return store, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("rule directory not found; rule store is empty", slog.String("path", dir))
			return store, nil
		}
		return nil, fmt.Errorf("read rule directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), FileExtension) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			store.reject(logger, &CompileError{Source: path, Reason: err.Error()})
			continue
		}
		store.load(logger, path, data)
	}

	logger.Info("rule store loaded",
		slog.String("path", dir),
		slog.Int("rules", len(store.rules)),
		slog.Int("rejected", len(store.errors)),
	)
	return store, nil
}

// LoadBytes compiles rules from an in-memory document.
func LoadBytes(source string, data []byte, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	store := &Store{}
	store.load(logger, source, data)
	return store
}

func (s *Store) load(logger *slog.Logger, source string, data []byte) {
	defs, parseErrs := Parse(source, data)
	for _, perr := range parseErrs {
		s.reject(logger, perr)
	}
	for _, def := range defs {
		rule, err := Compile(def)
		if err != nil {
			var cerr *CompileError
			if !errors.As(err, &cerr) {
				cerr = &CompileError{Rule: def.Name, Source: source, Reason: err.Error()}
			}
			s.reject(logger, cerr)
			continue
		}
		before := len(s.errors)
		if !s.add(rule) {
			logger.Warn("rule skipped", slog.String("rule", rule.Name), slog.String("reason", s.errors[before].Reason))
		}
	}
}

func (s *Store) reject(logger *slog.Logger, err *CompileError) {
	s.errors = append(s.errors, err)
	logger.Warn("rule skipped",
		slog.String("rule", err.Rule),
		slog.String("source", err.Source),
		slog.Int("line", err.Line),
		slog.String("reason", err.Reason),
	)
}

// AllRules returns the compiled rules in load order.
func (s *Store) AllRules() []*Rule {
	if s == nil {
		return nil
	}
	return append([]*Rule(nil), s.rules...)
}

// Errors returns the compile errors of rejected rules.
func (s *Store) Errors() []*CompileError {
	if s == nil {
		return nil
	}
	return append([]*CompileError(nil), s.errors...)
}

// Len is the number of loaded rules.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}
