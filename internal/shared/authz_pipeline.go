package shared

import "strings"

// Role is the coarse role carried by every user.
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleSubAdmin   Role = "SUB_ADMIN"
	RoleStaff      Role = "STAFF"
)

// ParseRole normalises a role name. Unknown names yield "" and false.
func ParseRole(raw string) (Role, bool) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	switch role {
	case RoleSuperAdmin, RoleAdmin, RoleSubAdmin, RoleStaff:
		return role, true
	}
	return "", false
}

// IsManager reports whether the role belongs to the review/assign tier.
func (r Role) IsManager() bool {
	return r == RoleSuperAdmin || r == RoleAdmin || r == RoleSubAdmin
}

// Pipeline permissions.
const (
	PermPartyCreate     = "sales.party.create"
	PermPartyDelete     = "sales.party.delete"
	PermLeadView        = "sales.lead.view"
	PermLeadViewAll     = "sales.lead.view_all"
	PermLeadCreate      = "sales.lead.create"
	PermLeadReview      = "sales.lead.review"
	PermLeadAssign      = "sales.lead.assign"
	PermLeadTransition  = "sales.lead.transition"
	PermLeadDelete      = "sales.lead.delete"
	PermFollowupCreate  = "sales.followup.create"
	PermQuotationView   = "sales.quotation.view"
	PermQuotationCreate = "sales.quotation.create"
	PermQuotationSend   = "sales.quotation.send"
	PermQuotationDecide = "sales.quotation.decide"
	PermOrderView       = "sales.order.view"
	PermOrderConvert    = "sales.order.convert"
	PermOrderPO         = "sales.order.po"
	PermOrderTransition = "sales.order.transition"
	PermItemView        = "sales.item.view"
	PermItemManage      = "sales.item.manage"
	PermItemDelete      = "sales.item.delete"
	PermDashboardView   = "sales.dashboard.view"
)

// PipelineScopes lists every pipeline permission.
func PipelineScopes() []string {
	return []string{
		PermPartyCreate,
		PermPartyDelete,
		PermLeadView,
		PermLeadViewAll,
		PermLeadCreate,
		PermLeadReview,
		PermLeadAssign,
		PermLeadTransition,
		PermLeadDelete,
		PermFollowupCreate,
		PermQuotationView,
		PermQuotationCreate,
		PermQuotationSend,
		PermQuotationDecide,
		PermOrderView,
		PermOrderConvert,
		PermOrderPO,
		PermOrderTransition,
		PermItemView,
		PermItemManage,
		PermItemDelete,
		PermDashboardView,
	}
}

func staffScopes() []string {
	return []string{
		PermPartyCreate,
		PermLeadView,
		PermLeadCreate,
		PermFollowupCreate,
		PermQuotationView,
		PermQuotationCreate,
		PermQuotationSend,
		PermQuotationDecide,
		PermOrderView,
		PermOrderConvert,
		PermOrderPO,
		PermItemView,
		PermItemManage,
		PermDashboardView,
		PermUsersView,
	}
}

var rolePermissions = func() map[Role]map[string]struct{} {
	build := func(perms []string) map[string]struct{} {
		set := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		return set
	}
	all := build(append(PipelineScopes(), CoreScopes()...))
	return map[Role]map[string]struct{}{
		RoleSuperAdmin: all,
		RoleAdmin:      all,
		RoleSubAdmin:   all,
		RoleStaff:      build(staffScopes()),
	}
}()

// Can reports whether the role holds the permission in the static role table.
func Can(role Role, permission string) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	_, ok = perms[permission]
	return ok
}
