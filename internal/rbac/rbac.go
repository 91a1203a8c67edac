package rbac

type Role string
type Action string

const (
	RoleMember           Role = "member"
	RoleAnalyst          Role = "analyst"
	RoleCommunityManager Role = "community_manager"
	RoleProjectManager   Role = "project_manager"
	RoleAdmin            Role = "admin"
)

const (
	ActionRead           Action = "read"
	ActionChat           Action = "chat"
	ActionManageTasks    Action = "manage_tasks"
	ActionManageChannels Action = "manage_channels"
	ActionManageClients  Action = "manage_clients"
	ActionViewReports    Action = "view_reports"
	ActionManageUsers    Action = "manage_users"
)

// Actions lists every action in the order permission flags are shown.
var Actions = []Action{
	ActionRead,
	ActionChat,
	ActionManageTasks,
	ActionManageChannels,
	ActionManageClients,
	ActionViewReports,
	ActionManageUsers,
}

func Can(role Role, action Action) bool {
	switch action {
	case ActionRead, ActionChat:
		return role != ""
	}
	switch role {
	case RoleAdmin:
		return true
	case RoleProjectManager:
		return action == ActionManageTasks || action == ActionManageChannels || action == ActionManageClients || action == ActionViewReports
	case RoleCommunityManager:
		return action == ActionManageChannels || action == ActionManageClients
	case RoleAnalyst:
		return action == ActionViewReports
	case RoleMember:
		return action == ActionManageTasks
	default:
		return false
	}
}

// Allowed checks an explicit per-user flag first and falls back to the
// role default when the flag is absent.
func Allowed(role string, flags map[string]bool, action Action) bool {
	if allowed, ok := flags[string(action)]; ok {
		return allowed
	}
	return Can(Normalize(role), action)
}

// DefaultPermissions is the flag set a new user of role starts with.
func DefaultPermissions(role string) map[string]bool {
	normalized := Normalize(role)
	flags := make(map[string]bool, len(Actions))
	for _, action := range Actions {
		flags[string(action)] = Can(normalized, action)
	}
	return flags
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleAnalyst, RoleCommunityManager, RoleProjectManager, RoleAdmin:
		return Role(role)
	default:
		return RoleMember
	}
}
