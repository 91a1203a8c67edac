package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "member read", role: RoleMember, action: ActionRead, allow: true},
		{name: "member tasks", role: RoleMember, action: ActionManageTasks, allow: true},
		{name: "member users", role: RoleMember, action: ActionManageUsers, allow: false},
		{name: "analyst reports", role: RoleAnalyst, action: ActionViewReports, allow: true},
		{name: "analyst tasks", role: RoleAnalyst, action: ActionManageTasks, allow: false},
		{name: "community manager channels", role: RoleCommunityManager, action: ActionManageChannels, allow: true},
		{name: "project manager clients", role: RoleProjectManager, action: ActionManageClients, allow: true},
		{name: "project manager users", role: RoleProjectManager, action: ActionManageUsers, allow: false},
		{name: "admin users", role: RoleAdmin, action: ActionManageUsers, allow: true},
		{name: "unknown role chat", role: "", action: ActionChat, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestAllowedPrefersExplicitFlag(t *testing.T) {
	flags := map[string]bool{string(ActionManageUsers): true, string(ActionManageTasks): false}
	if !Allowed("member", flags, ActionManageUsers) {
		t.Fatalf("Allowed() = false, want explicit grant to win")
	}
	if Allowed("member", flags, ActionManageTasks) {
		t.Fatalf("Allowed() = true, want explicit revoke to win")
	}
	if !Allowed("member", flags, ActionRead) {
		t.Fatalf("Allowed() = false, want role default for missing flag")
	}
}

func TestDefaultPermissions(t *testing.T) {
	flags := DefaultPermissions("bogus")
	if len(flags) != len(Actions) {
		t.Fatalf("len(DefaultPermissions()) = %d, want %d", len(flags), len(Actions))
	}
	if flags[string(ActionManageUsers)] {
		t.Fatalf("unknown role should normalize to member")
	}
	if !DefaultPermissions("admin")[string(ActionManageUsers)] {
		t.Fatalf("admin should manage users")
	}
}
