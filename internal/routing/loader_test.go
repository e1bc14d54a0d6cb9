package routing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l := NewLoader(filepath.Join(t.TempDir(), "conf", "routing-rules.json"))
	require.NoError(t, l.Load())
	return l
}

func TestLoader_BootstrapsMissingFile(t *testing.T) {
	l := newTestLoader(t)

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"default"`)
	assert.Contains(t, string(raw), `"initial"`)

	rules, ok := l.RulesForGroup(DefaultGroup)
	require.True(t, ok)
	require.Len(t, rules, 1)
	assert.Equal(t, "initial", rules[0].RuleName)
}

func TestLoader_MalformedFileKeepsPrevious(t *testing.T) {
	l := newTestLoader(t)
	require.NoError(t, os.WriteFile(l.Path(), []byte(`{"default": [ {"ruleName": "x"`), 0o644))

	assert.Error(t, l.Reload())
	_, ok := l.RulesForGroup(DefaultGroup)
	assert.True(t, ok)
}

func TestLoader_EmptyObjectLoadsNoGroups(t *testing.T) {
	l := newTestLoader(t)
	require.NoError(t, os.WriteFile(l.Path(), []byte(`{}`), 0o644))
	require.NoError(t, l.Reload())
	assert.Empty(t, l.RuleGroups())
}

func TestLoader_PersistRoundTrip(t *testing.T) {
	l := newTestLoader(t)
	groups := RuleGroups{
		DefaultGroup: {
			{RuleName: "otp", Conditions: Conditions{TextMatchesRegex: `\d{6}`}, NextRuleGroupName: "otp"},
			{RuleName: "fallback", DestinationID: "vendorB"},
		},
		"otp": {
			{RuleName: "ng", Conditions: Conditions{Recipient: "234*"}, DestinationID: "vendorA"},
			{RuleName: "stop"},
		},
	}
	require.NoError(t, l.Persist(groups))

	reloaded := NewLoader(l.Path())
	require.NoError(t, reloaded.Load())
	assert.Equal(t, groups, reloaded.RuleGroups())
}

func TestLoader_PersistRejectsMissingDefault(t *testing.T) {
	l := newTestLoader(t)
	err := l.Persist(RuleGroups{"other": {{RuleName: "a"}}})
	assert.ErrorIs(t, err, ErrInvalidRules)

	err = l.Persist(RuleGroups{DefaultGroup: {}})
	assert.ErrorIs(t, err, ErrInvalidRules)
}

func TestLoader_DeleteDefaultGroupAlwaysRejected(t *testing.T) {
	l := newTestLoader(t)
	assert.ErrorIs(t, l.DeleteGroup(DefaultGroup), ErrDefaultGroupProtected)

	require.NoError(t, l.AddRule(DefaultGroup, Rule{RuleName: "second", DestinationID: "v"}))
	assert.ErrorIs(t, l.DeleteGroup(DefaultGroup), ErrDefaultGroupProtected)

	_, ok := l.RulesForGroup(DefaultGroup)
	assert.True(t, ok)
}

func TestLoader_DeletingLastDefaultRuleRejected(t *testing.T) {
	l := newTestLoader(t)
	assert.ErrorIs(t, l.DeleteRule(DefaultGroup, "initial"), ErrInvalidRules)

	rules, _ := l.RulesForGroup(DefaultGroup)
	assert.Len(t, rules, 1)
}

func TestLoader_RuleCRUD(t *testing.T) {
	l := newTestLoader(t)

	require.NoError(t, l.AddRule("g1", Rule{RuleName: "a", DestinationID: "d1"}))
	require.NoError(t, l.AddRule("g1", Rule{RuleName: "b", DestinationID: "d2"}))
	assert.ErrorIs(t, l.AddRule("g1", Rule{RuleName: "a"}), ErrRuleExists)
	assert.ErrorIs(t, l.AddRule("g1", Rule{RuleName: "  "}), ErrInvalidName)

	rules, _ := l.RulesForGroup("g1")
	require.Len(t, rules, 2)
	assert.Equal(t, "a", rules[0].RuleName)
	assert.Equal(t, "b", rules[1].RuleName)

	assert.ErrorIs(t, l.UpdateRule("g1", "b", Rule{RuleName: "a"}), ErrRuleExists)
	assert.ErrorIs(t, l.UpdateRule("g1", "zz", Rule{RuleName: "zz"}), ErrRuleNotFound)
	assert.ErrorIs(t, l.UpdateRule("nope", "a", Rule{RuleName: "a"}), ErrGroupNotFound)
	require.NoError(t, l.UpdateRule("g1", "b", Rule{RuleName: "c", DestinationID: "d3"}))

	require.NoError(t, l.DeleteRule("g1", "a"))
	rules, _ = l.RulesForGroup("g1")
	require.Len(t, rules, 1)
	assert.Equal(t, Rule{RuleName: "c", DestinationID: "d3"}, rules[0])

	reloaded := NewLoader(l.Path())
	require.NoError(t, reloaded.Load())
	assert.Equal(t, l.RuleGroups(), reloaded.RuleGroups())
}

func TestLoader_GroupCRUD(t *testing.T) {
	l := newTestLoader(t)

	require.NoError(t, l.CreateGroup("empty"))
	assert.ErrorIs(t, l.CreateGroup("empty"), ErrGroupExists)
	assert.ErrorIs(t, l.CreateGroup(" "), ErrInvalidName)

	require.NoError(t, l.DeleteGroup("empty"))
	assert.ErrorIs(t, l.DeleteGroup("empty"), ErrGroupNotFound)
}

func TestLoader_ReadsReturnCopies(t *testing.T) {
	l := newTestLoader(t)

	groups := l.RuleGroups()
	groups[DefaultGroup][0].RuleName = "mutated"
	rules, _ := l.RulesForGroup(DefaultGroup)
	assert.Equal(t, "initial", rules[0].RuleName)
}
