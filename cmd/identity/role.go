package identity

import (
	"fmt"
	"sort"
	"strings"
)

// Role is a closed set of scope strings granted to an account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole validates s against the known roles (case-insensitive).
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", OpError{Op: "identity.ParseRole", Kind: ErrInvalidInput, Msg: fmt.Sprintf("unknown role %q", s)}
	}
}

// ParseRoles validates every entry and returns a sorted, de-duplicated set.
func ParseRoles(in []string) (Roles, error) {
	out := make(Roles, 0, len(in))
	for _, s := range in {
		r, err := ParseRole(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out.Normalize(), nil
}

// Roles is a set of roles. Order carries no meaning.
type Roles []Role

// Normalize returns a sorted copy without duplicates.
func (rs Roles) Normalize() Roles {
	seen := make(map[Role]struct{}, len(rs))
	out := make(Roles, 0, len(rs))
	for _, r := range rs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether r is in the set.
func (rs Roles) Has(r Role) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}

// Missing returns the entries of required that are not in rs, sorted.
func (rs Roles) Missing(required Roles) Roles {
	var out Roles
	for _, r := range required.Normalize() {
		if !rs.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// Strings returns the roles as plain strings.
func (rs Roles) Strings() []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}

// String joins the roles with single spaces (OAuth scope syntax).
func (rs Roles) String() string {
	return strings.Join(rs.Strings(), " ")
}
