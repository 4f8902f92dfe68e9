package shared

// Directory and audit permissions.
const (
	PermUsersView   = "users.view"
	PermUsersList   = "users.list"
	PermAuditView   = "audit.view"
	PermAuditExport = "audit.export"
)

// CoreScopes lists the permissions outside the pipeline itself.
func CoreScopes() []string {
	return []string{
		PermUsersView,
		PermUsersList,
		PermAuditView,
		PermAuditExport,
	}
}
