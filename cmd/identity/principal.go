package identity

// Principal is the authenticated caller derived from a verified access token.
// It never carries credentials.
type Principal struct {
	Subject string
	Scopes  Roles
}

// IsAdmin reports whether the principal holds the admin scope.
func (p Principal) IsAdmin() bool { return p.Scopes.Has(RoleAdmin) }

// Owns reports whether subject is the principal's own account.
func (p Principal) Owns(subject string) bool { return subject != "" && p.Subject == subject }
