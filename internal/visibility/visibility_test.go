package visibility

import "testing"

func TestScopeAdminUnrestricted(t *testing.T) {
	where, args := Scope("u1", []string{RoleAdmin}, 0)
	if where != "" || args != nil {
		t.Fatalf("admin should be unrestricted, got %q %v", where, args)
	}
}

func TestScopeAgentSeesAssigned(t *testing.T) {
	where, args := Scope("u2", []string{RoleAgent}, 2)
	if where != "t.assigned_to = $3" {
		t.Fatalf("unexpected predicate: %q", where)
	}
	if len(args) != 1 || args[0] != "u2" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestScopeManagerSeesAssigned(t *testing.T) {
	where, _ := Scope("u5", []string{RoleManager}, 0)
	if where != "t.assigned_to = $1" {
		t.Fatalf("unexpected predicate: %q", where)
	}
}

func TestScopeContactSeesOwn(t *testing.T) {
	where, args := Scope("u3", []string{RoleContact}, 0)
	if where != "t.contact_id = $1" {
		t.Fatalf("unexpected predicate: %q", where)
	}
	if len(args) != 1 || args[0] != "u3" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestScopeAdminWinsOverOtherRoles(t *testing.T) {
	where, _ := Scope("u4", []string{RoleAgent, RoleAdmin}, 0)
	if where != "" {
		t.Fatalf("admin role should win, got %q", where)
	}
}

func TestStaff(t *testing.T) {
	if Staff([]string{RoleContact}) {
		t.Error("contact is not staff")
	}
	if !Staff([]string{RoleManager}) || !Staff([]string{RoleAgent}) || !Staff([]string{RoleAdmin}) {
		t.Error("agent/manager/admin are staff")
	}
}
