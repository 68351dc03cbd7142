// Package visibility centralizes the role-based ticket scoping that would
// otherwise be repeated across every ticket handler.
package visibility

import "fmt"

// Role names understood by the scope. Admins see everything; agents and
// managers see tickets assigned to them; contacts see tickets they raised.
const (
	RoleContact = "contact"
	RoleAgent   = "agent"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// Scope returns a SQL predicate over the tickets alias "t" restricting rows
// to those the user may see, plus its arguments. Placeholders are numbered
// from argOffset+1. An empty predicate means unrestricted.
func Scope(userID string, roles []string, argOffset int) (string, []any) {
	if has(roles, RoleAdmin) {
		return "", nil
	}
	if has(roles, RoleAgent) || has(roles, RoleManager) {
		return fmt.Sprintf("t.assigned_to = $%d", argOffset+1), []any{userID}
	}
	// Contacts and anyone without a staff role only see their own tickets.
	return fmt.Sprintf("t.contact_id = $%d", argOffset+1), []any{userID}
}

// Staff reports whether the role set carries any non-contact role.
func Staff(roles []string) bool {
	return has(roles, RoleAgent) || has(roles, RoleManager) || has(roles, RoleAdmin)
}

func has(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}
