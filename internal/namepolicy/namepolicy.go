// Package namepolicy decides which service user names are not allowed.
//
// Rules come from a flat list of strings:
//
//	^pattern   regular expression, matched anywhere in the lowercased name
//	prefix*    lowercase prefix
//	name       exact, case-insensitive
package namepolicy

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/sakif/serviceuser/internal/apperror"
)

type RuleKind int

const (
	Exact RuleKind = iota
	Prefix
	Regex
)

func (k RuleKind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Prefix:
		return "prefix"
	case Regex:
		return "regex"
	default:
		return fmt.Sprintf("RuleKind(%d)", int(k))
	}
}

// Rule is one configured entry. Entry is the configuration string as given.
type Rule struct {
	Kind  RuleKind
	Entry string
}

// Policy is immutable once built and safe for concurrent use.
type Policy struct {
	exact    map[string]Rule
	prefixes []prefixRule
	regexes  []regexRule
}

type prefixRule struct {
	prefix string
	rule   Rule
}

type regexRule struct {
	re   *regexp.Regexp
	rule Rule
}

// New builds a policy from configuration entries. Blank entries are
// ignored; an entry that does not compile as a regular expression is a
// validation error.
func New(entries []string) (*Policy, error) {
	p := &Policy{exact: make(map[string]Rule)}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
			continue
		case strings.HasPrefix(entry, "^"):
			// names are matched lowercased, so the pattern must not
			// depend on case either
			re, err := regexp.Compile("(?i)" + entry[1:])
			if err != nil {
				return nil, apperror.ValidationFailed("blockedNames",
					fmt.Sprintf("invalid blocked name pattern %q: %v", entry, err))
			}
			p.regexes = append(p.regexes, regexRule{re: re, rule: Rule{Kind: Regex, Entry: entry}})
		case strings.HasSuffix(entry, "*"):
			prefix := strings.ToLower(strings.TrimSuffix(entry, "*"))
			p.prefixes = append(p.prefixes, prefixRule{prefix: prefix, rule: Rule{Kind: Prefix, Entry: entry}})
		default:
			p.exact[strings.ToLower(entry)] = Rule{Kind: Exact, Entry: entry}
		}
	}
	return p, nil
}

// IsBlocked reports whether any rule matches name.
func (p *Policy) IsBlocked(name string) bool {
	_, ok := p.Match(name)
	return ok
}

// Match returns the first rule matching name, checking exact rules, then
// prefixes, then regular expressions.
func (p *Policy) Match(name string) (Rule, bool) {
	lower := strings.ToLower(name)
	if r, ok := p.exact[lower]; ok {
		return r, true
	}
	for _, pr := range p.prefixes {
		if strings.HasPrefix(lower, pr.prefix) {
			return pr.rule, true
		}
	}
	for _, rr := range p.regexes {
		if rr.re.MatchString(lower) {
			return rr.rule, true
		}
	}
	return Rule{}, false
}

// Len returns the number of rules.
func (p *Policy) Len() int {
	return len(p.exact) + len(p.prefixes) + len(p.regexes)
}

// Holder publishes the active policy to concurrent readers. Reload swaps
// the whole policy; a policy is never modified in place.
type Holder struct {
	current atomic.Pointer[Policy]
}

func NewHolder(p *Policy) *Holder {
	h := &Holder{}
	h.current.Store(p)
	return h
}

func (h *Holder) Policy() *Policy {
	return h.current.Load()
}

// Reload builds a policy from entries and makes it current. On error the
// previous policy stays active.
func (h *Holder) Reload(entries []string) error {
	p, err := New(entries)
	if err != nil {
		return err
	}
	h.current.Store(p)
	return nil
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._@-]*$`)

// ValidUsername reports whether name is an acceptable account name.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}
