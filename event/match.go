package event

import "github.com/bmatcuk/doublestar/v4"

// Matches reports whether a subscription wants an event: the action must
// match one of the subscribed patterns (exact or wildcard, e.g.
// "request.*" or "*"), and every set filter must hold.
func Matches(sub *Subscription, e *Event) bool {
	if !sub.Active {
		return false
	}
	if sub.Tenant != "" && sub.Tenant != e.Tenant {
		return false
	}
	if !actionMatches(sub.Actions, e.Action) {
		return false
	}
	if sub.UserID != "" && sub.UserID != e.UserID {
		return false
	}
	if sub.EventableKind != "" && sub.EventableKind != e.EventableKind {
		return false
	}
	if sub.EventableID != "" && sub.EventableID != e.EventableID {
		return false
	}
	return true
}

// actionMatches checks the action against subscription patterns. The
// dotted action is treated as a flat name, so "request.*" matches
// "request.completed" and "*" matches everything ('*' spans any
// characters except '/', which actions never contain).
func actionMatches(patterns []string, action string) bool {
	for _, p := range patterns {
		if p == action {
			return true
		}
		if ok, err := doublestar.Match(p, action); err == nil && ok {
			return true
		}
	}
	return false
}
