package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrRuleExists            = errors.New("rule already exists in group")
	ErrRuleNotFound          = errors.New("rule not found")
	ErrGroupExists           = errors.New("rule group already exists")
	ErrGroupNotFound         = errors.New("rule group not found")
	ErrDefaultGroupProtected = errors.New("default rule group cannot be deleted")
	ErrInvalidRules          = errors.New("invalid rule groups")
	ErrInvalidName           = errors.New("name must not be blank")
)

// Loader owns the rule groups and the JSON file they live in. Every mutation
// is written to disk before it becomes visible to readers.
type Loader struct {
	mu     sync.RWMutex
	path   string
	groups RuleGroups
}

func NewLoader(path string) *Loader {
	return &Loader{path: path, groups: RuleGroups{}}
}

// Path returns the rules file location.
func (l *Loader) Path() string { return l.path }

// Load reads the rules file, creating it with a single no-op default rule
// when it does not exist. On a parse error the current groups are kept.
func (l *Loader) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

// Reload is Load under another name for admin callers.
func (l *Loader) Reload() error {
	slog.Info("Reloading routing rules", slog.String("path", l.path))
	return l.Load()
}

func (l *Loader) loadLocked() error {
	if _, err := os.Stat(l.path); errors.Is(err, os.ErrNotExist) {
		bootstrap := RuleGroups{DefaultGroup: {{RuleName: "initial"}}}
		if err := l.writeLocked(bootstrap); err != nil {
			return fmt.Errorf("create routing rules file: %w", err)
		}
		slog.Info("Created routing rules file with default group", slog.String("path", l.path))
		return nil
	}

	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read routing rules %s: %w", l.path, err)
	}

	parsed := RuleGroups{}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("parse routing rules %s: %w", l.path, err)
		}
	}

	total := 0
	for name, rules := range parsed {
		if rules == nil {
			parsed[name] = []Rule{}
		}
		total += len(rules)
	}
	l.groups = parsed
	slog.Info("Loaded routing rules", slog.Int("groups", len(parsed)), slog.Int("rules", total))
	return nil
}

// Validate checks that groups can be committed: the default group must exist
// with at least one rule, names must be set, and regexes must compile.
func (l *Loader) Validate(groups RuleGroups) error {
	if len(groups[DefaultGroup]) == 0 {
		return fmt.Errorf("%w: group %q must have at least one rule", ErrInvalidRules, DefaultGroup)
	}
	for name, rules := range groups {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: blank group name", ErrInvalidRules)
		}
		for _, r := range rules {
			if strings.TrimSpace(r.RuleName) == "" {
				return fmt.Errorf("%w: blank rule name in group %q", ErrInvalidRules, name)
			}
			if r.Conditions.TextMatchesRegex != "" {
				if _, err := compileFull(r.Conditions.TextMatchesRegex); err != nil {
					return fmt.Errorf("%w: rule %q: %v", ErrInvalidRules, r.RuleName, err)
				}
			}
		}
	}
	return nil
}

// Persist validates groups, writes them and makes them current.
func (l *Loader) Persist(groups RuleGroups) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitLocked(groups.Clone())
}

func (l *Loader) commitLocked(groups RuleGroups) error {
	if err := l.Validate(groups); err != nil {
		return err
	}
	if err := l.writeLocked(groups); err != nil {
		return err
	}
	slog.Info("Persisted routing rules", slog.Int("groups", len(groups)), slog.String("path", l.path))
	return nil
}

func (l *Loader) writeLocked(groups RuleGroups) error {
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create rules directory: %w", err)
		}
	}
	out, err := json.MarshalIndent(groups, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal routing rules: %w", err)
	}
	if err := os.WriteFile(l.path, out, 0o644); err != nil {
		return fmt.Errorf("write routing rules %s: %w", l.path, err)
	}
	l.groups = groups
	return nil
}

// RuleGroups returns a copy of every group.
func (l *Loader) RuleGroups() RuleGroups {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.groups.Clone()
}

// RulesForGroup returns a copy of the group's rules and whether it exists.
func (l *Loader) RulesForGroup(name string) ([]Rule, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rules, ok := l.groups[name]
	if !ok {
		return nil, false
	}
	return append([]Rule(nil), rules...), true
}

func indexOfRule(rules []Rule, name string) int {
	for i, r := range rules {
		if r.RuleName == name {
			return i
		}
	}
	return -1
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

// AddRule appends rule to group, creating the group if needed.
func (l *Loader) AddRule(group string, rule Rule) error {
	if blank(group) || blank(rule.RuleName) {
		return ErrInvalidName
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.groups.Clone()
	if indexOfRule(next[group], rule.RuleName) >= 0 {
		return fmt.Errorf("%w: %q in %q", ErrRuleExists, rule.RuleName, group)
	}
	next[group] = append(next[group], rule)
	return l.commitLocked(next)
}

// UpdateRule replaces the rule called name. Renaming onto another existing
// rule of the same group is rejected.
func (l *Loader) UpdateRule(group, name string, rule Rule) error {
	if blank(group) || blank(name) || blank(rule.RuleName) {
		return ErrInvalidName
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.groups.Clone()
	rules, ok := next[group]
	if !ok {
		return fmt.Errorf("%w: %q", ErrGroupNotFound, group)
	}
	idx := indexOfRule(rules, name)
	if idx < 0 {
		return fmt.Errorf("%w: %q in %q", ErrRuleNotFound, name, group)
	}
	if rule.RuleName != name && indexOfRule(rules, rule.RuleName) >= 0 {
		return fmt.Errorf("%w: %q in %q", ErrRuleExists, rule.RuleName, group)
	}
	rules[idx] = rule
	return l.commitLocked(next)
}

// DeleteRule removes a rule. The group is kept even when it becomes empty.
func (l *Loader) DeleteRule(group, name string) error {
	if blank(group) || blank(name) {
		return ErrInvalidName
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.groups.Clone()
	rules, ok := next[group]
	if !ok {
		return fmt.Errorf("%w: %q", ErrGroupNotFound, group)
	}
	idx := indexOfRule(rules, name)
	if idx < 0 {
		return fmt.Errorf("%w: %q in %q", ErrRuleNotFound, name, group)
	}
	next[group] = append(rules[:idx], rules[idx+1:]...)
	return l.commitLocked(next)
}

func (l *Loader) CreateGroup(name string) error {
	if blank(name) {
		return ErrInvalidName
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.groups[name]; ok {
		return fmt.Errorf("%w: %q", ErrGroupExists, name)
	}
	next := l.groups.Clone()
	next[name] = []Rule{}
	return l.commitLocked(next)
}

// DeleteGroup removes a group and its rules. The default group is protected.
func (l *Loader) DeleteGroup(name string) error {
	if blank(name) {
		return ErrInvalidName
	}
	if name == DefaultGroup {
		return ErrDefaultGroupProtected
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.groups[name]; !ok {
		return fmt.Errorf("%w: %q", ErrGroupNotFound, name)
	}
	next := l.groups.Clone()
	delete(next, name)
	return l.commitLocked(next)
}
