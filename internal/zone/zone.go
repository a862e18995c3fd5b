// Package zone implements glob-pattern file ownership: which agent may
// touch which paths. There is no direct teacher analog for path-glob
// matching (none of the pack repos own a file-ownership layer); the
// declared-order-wins, first-match-decides shape is grounded
// methodologically on internal/notifications/router.go's ordered channel
// dispatch (CLIAIMONITOR), where the first registered channel willing to
// handle an event wins.
package zone

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/coderelay/orchestrator/internal/model"
)

// Decision is the result of a single checkAccess call.
type Decision struct {
	Allowed bool
	Zone    *model.ZoneDefinition
	Reason  string
}

// Matcher evaluates access decisions against an immutable zone config.
// Compiled patterns are cached so Compile runs at most once per pattern.
type Matcher struct {
	mu       sync.RWMutex
	config   model.ProjectZoneConfig
	compiled []*regexp.Regexp
}

// New compiles every zone pattern in config up front and returns a
// ready-to-use Matcher. Compilation errors abort construction: a bad
// pattern must surface at registration time, not at the first access
// check.
func New(config model.ProjectZoneConfig) (*Matcher, error) {
	compiled := make([]*regexp.Regexp, len(config.Zones))
	for i, z := range config.Zones {
		re, err := Compile(z.Pattern)
		if err != nil {
			return nil, fmt.Errorf("zone %d pattern %q: %w", i, z.Pattern, err)
		}
		compiled[i] = re
	}
	if config.DefaultPolicy == "" {
		config.DefaultPolicy = model.PolicyDeny
	}
	return &Matcher{config: config, compiled: compiled}, nil
}

// Compile translates a glob pattern into an anchored regular expression.
// "**" matches any sequence of path characters including "/"; "*" matches
// any sequence not containing "/"; "?" matches one non-slash character.
// "**" must be handled before "*" since it is the longer match.
func Compile(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				sb.WriteString(".*")
				i++ // consume second '*'
			} else {
				sb.WriteString("[^/]*")
			}
		case '?':
			sb.WriteString("[^/]")
		case '.', '+', '(', ')', '|', '^', '$', '{', '}', '[', ']', '\\':
			sb.WriteString(regexp.QuoteMeta(string(runes[i])))
		default:
			sb.WriteRune(runes[i])
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// CheckAccess decides whether agentID may write to path. Zones are
// scanned in declared order; the first matching zone decides (shared
// zones always allow, otherwise ownership is required). If no zone
// matches, the project's DefaultPolicy applies.
func (m *Matcher) CheckAccess(path, agentID string) Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, re := range m.compiled {
		if !re.MatchString(path) {
			continue
		}
		z := m.config.Zones[i]
		if z.Shared {
			return Decision{Allowed: true, Zone: &z, Reason: fmt.Sprintf("Zone %q is shared", z.Pattern)}
		}
		for _, owner := range z.Owners {
			if owner == agentID {
				return Decision{Allowed: true, Zone: &z, Reason: fmt.Sprintf("Agent %s owns zone %q", agentID, z.Pattern)}
			}
		}
		return Decision{
			Allowed: false,
			Zone:    &z,
			Reason:  fmt.Sprintf("File is owned by %v, not %s", z.Owners, agentID),
		}
	}

	allowed := m.config.DefaultPolicy == model.PolicyAllow
	reason := fmt.Sprintf("Path %q is unzoned, allowed by default", path)
	if !allowed {
		reason = fmt.Sprintf("Path %q is unzoned, denied by default policy", path)
	}
	return Decision{Allowed: allowed, Reason: reason}
}

// HasAnyAccess reports whether the config can ever grant access to
// anyone: an empty zone set with a deny default policy is a
// misconfiguration callers must surface as an error at registration time
// per spec.md §4.5.
func (m *Matcher) HasAnyAccess() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.config.Zones) > 0 || m.config.DefaultPolicy == model.PolicyAllow
}
