package auth

import (
	"fmt"
	"strings"
)

// Permission is the access a Rule grants on a matching topic filter.
type Permission int

const (
	PermRead Permission = iota
	PermWrite
	PermReadWrite
)

func parsePermission(s string) Permission {
	switch s {
	case "write":
		return PermWrite
	case "readwrite":
		return PermReadWrite
	default:
		return PermRead
	}
}

// Rule is one ACL entry: a user may access topics matching Filter with
// Permission.
type Rule struct {
	Username   string
	Filter     string
	Permission Permission
}

// ACL reads each user's rules from the store per check and holds the
// broker-wide default applied when a user has no matching rule of
// their own.
type ACL struct {
	store       *Store
	defaultRule Permission
	hasDefault  bool
}

// NewACL loads no rules eagerly; CheckPublish/CheckSubscribe query the
// database per call, since rule sets are small and change
// infrequently relative to message throughput.
func NewACL(store *Store) *ACL {
	return &ACL{store: store}
}

// SetDefault configures the fallback permission for users with no
// explicit rule.
func (a *ACL) SetDefault(p Permission) {
	a.defaultRule = p
	a.hasDefault = true
}

func (a *ACL) rulesFor(username string) ([]Rule, error) {
	rows, err := a.store.db.Query("SELECT topic, permission FROM acl_rules WHERE username = ?", username)
	if err != nil {
		return nil, fmt.Errorf("acl: query rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var topic, perm string
		if err := rows.Scan(&topic, &perm); err != nil {
			return nil, fmt.Errorf("acl: scan rule: %w", err)
		}
		rules = append(rules, Rule{Username: username, Filter: topic, Permission: parsePermission(perm)})
	}
	return rules, rows.Err()
}

func (a *ACL) allows(username, topic string, need Permission) bool {
	rules, err := a.rulesFor(username)
	if err != nil {
		return false
	}

	matched := false
	for _, r := range rules {
		if !aclMatch(r.Filter, topic) {
			continue
		}
		matched = true
		if r.Permission == need || r.Permission == PermReadWrite {
			return true
		}
	}

	if matched {
		return false
	}
	if a.hasDefault {
		return a.defaultRule == need || a.defaultRule == PermReadWrite
	}
	return false
}

// CheckPublish reports whether username may publish to topic.
func (a *ACL) CheckPublish(username, topic string) bool {
	return a.allows(username, topic, PermWrite)
}

// CheckSubscribe reports whether username may subscribe to filter.
func (a *ACL) CheckSubscribe(username, filter string) bool {
	return a.allows(username, filter, PermRead)
}

// aclMatch applies the same +/# wildcard semantics as topic matching,
// but on the ACL's stored filter against a concrete topic (publish) or
// against a subscription filter (subscribe, compared literally).
func aclMatch(filter, topic string) bool {
	if filter == topic {
		return true
	}

	fLevels := strings.Split(filter, "/")
	tLevels := strings.Split(topic, "/")

	for i, fl := range fLevels {
		if fl == "#" {
			return true
		}
		if i >= len(tLevels) {
			return false
		}
		if fl == "+" {
			continue
		}
		if fl != tLevels[i] {
			return false
		}
	}

	return len(fLevels) == len(tLevels)
}
