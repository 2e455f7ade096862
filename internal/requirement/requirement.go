// Package requirement implements the access predicates that gate which
// functions the model may see in a turn.
//
// Requirements are written in a small language:
//
//	expr       := primExpr ("&&" primExpr)*
//	primExpr   := "(" expr ")" | "userId=" identifier | "superUser" | "inDM"
//	identifier := [A-Za-z_][A-Za-z_0-9]*
//
// Conjunctions are flattened, so "a && (b && c)" and "(a && b) && c" parse
// to the same And.
package requirement

import "strings"

// Subject is what a requirement is checked against.
type Subject interface {
	UserID() string
	InDirectMessage() bool
}

// Requirement is a pure predicate over a Subject and the superuser set.
// The set of implementations is closed: And, IsSuperUser, HasUserID and
// InDirectMessage.
type Requirement interface {
	Check(s Subject, superusers map[string]struct{}) bool
	String() string
	isRequirement()
}

// And holds when every term holds. An empty And holds.
type And struct {
	Terms []Requirement
}

// IsSuperUser holds when the subject's user ID is in the superuser set.
type IsSuperUser struct{}

// HasUserID holds when the subject's user ID equals ID.
type HasUserID struct {
	ID string
}

// InDirectMessage holds when the subject has no guild association.
type InDirectMessage struct{}

func (And) isRequirement()             {}
func (IsSuperUser) isRequirement()     {}
func (HasUserID) isRequirement()       {}
func (InDirectMessage) isRequirement() {}

func (r And) Check(s Subject, supers map[string]struct{}) bool {
	for _, t := range r.Terms {
		if !t.Check(s, supers) {
			return false
		}
	}
	return true
}

func (IsSuperUser) Check(s Subject, supers map[string]struct{}) bool {
	_, ok := supers[s.UserID()]
	return ok
}

func (r HasUserID) Check(s Subject, _ map[string]struct{}) bool {
	return s.UserID() == r.ID
}

func (InDirectMessage) Check(s Subject, _ map[string]struct{}) bool {
	return s.InDirectMessage()
}

func (r And) String() string {
	parts := make([]string, len(r.Terms))
	for i, t := range r.Terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, " && ")
}

func (IsSuperUser) String() string     { return "superUser" }
func (r HasUserID) String() string     { return "userId=" + r.ID }
func (InDirectMessage) String() string { return "inDM" }

// Always is the requirement of functions that declare none.
var Always Requirement = And{}

// Allowed checks r, treating a nil requirement as Always.
func Allowed(r Requirement, s Subject, supers map[string]struct{}) bool {
	if r == nil {
		return true
	}
	return r.Check(s, supers)
}

// Superusers builds the lookup set used by Check.
func Superusers(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
