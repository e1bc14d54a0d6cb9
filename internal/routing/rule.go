package routing

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/thrillee/smsgateway/internal/sms"
)

// DefaultGroup is the rule group every message is evaluated against first.
const DefaultGroup = "default"

// Conditions are ANDed. An empty field always matches.
type Conditions struct {
	Sender           string `json:"sender,omitempty"`
	Recipient        string `json:"recipient,omitempty"`
	TextContains     string `json:"textContains,omitempty"`
	TextMatchesRegex string `json:"textMatchesRegex,omitempty"`
}

// Rule either dispatches to DestinationID, chains into NextRuleGroupName, or
// both (chain first). A matching rule with neither stops evaluation.
type Rule struct {
	RuleName          string     `json:"ruleName"`
	Conditions        Conditions `json:"conditions"`
	DestinationID     string     `json:"destinationId,omitempty"`
	NextRuleGroupName string     `json:"nextRuleGroupName,omitempty"`
}

// RuleGroups maps group name to its rules in evaluation order.
type RuleGroups map[string][]Rule

// Clone returns a copy that shares no slices with g.
func (g RuleGroups) Clone() RuleGroups {
	out := make(RuleGroups, len(g))
	for name, rules := range g {
		out[name] = append([]Rule(nil), rules...)
	}
	return out
}

// Matches reports whether msg satisfies every set condition.
func (c Conditions) Matches(msg *sms.Message) bool {
	if !matchAddress(c.Sender, msg.From) || !matchAddress(c.Recipient, msg.To) {
		return false
	}
	if c.TextContains != "" && !strings.Contains(msg.Text, c.TextContains) {
		return false
	}
	if c.TextMatchesRegex != "" {
		re, err := compileFull(c.TextMatchesRegex)
		if err != nil {
			slog.Warn("Invalid textMatchesRegex, condition fails", slog.String("pattern", c.TextMatchesRegex), slog.Any("error", err))
			return false
		}
		if !re.MatchString(msg.Text) {
			return false
		}
	}
	return true
}

// matchAddress does an exact match, or a prefix match when pattern ends in '*'.
func matchAddress(pattern, addr string) bool {
	if pattern == "" {
		return true
	}
	if addr == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(addr, prefix)
	}
	return addr == pattern
}

var regexCache sync.Map // pattern -> *regexp.Regexp

// compileFull compiles pattern anchored at both ends.
func compileFull(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}
