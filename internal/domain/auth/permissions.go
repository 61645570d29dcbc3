package auth

import "context"

const (
	RoleCustomer          = "customer"
	RoleSupport           = "support"
	RoleComplianceOfficer = "compliance_officer"
	RoleSystemAdmin       = "admin"
)

const (
	PermPrivacySelf      = "privacy.self"
	PermPrivacyRetention = "privacy.retention"
	PermAuditRead        = "audit.read"
	PermSystemAdmin      = "admin.system"
)

var DefaultPermissions = []string{
	PermPrivacySelf,
	PermPrivacyRetention,
	PermAuditRead,
	PermSystemAdmin,
}

var RolePermissions = map[string][]string{
	RoleCustomer: {
		PermPrivacySelf,
	},
	RoleSupport: {
		PermPrivacySelf,
		PermAuditRead,
	},
	RoleComplianceOfficer: {
		PermPrivacySelf,
		PermPrivacyRetention,
		PermAuditRead,
	},
	RoleSystemAdmin: {
		PermPrivacySelf,
		PermPrivacyRetention,
		PermAuditRead,
		PermSystemAdmin,
	},
}

// StaticPermissions resolves permissions from RolePermissions. Roles are
// carried in the access token, so no lookup leaves the process.
type StaticPermissions struct{}

func (StaticPermissions) HasPermission(_ context.Context, role, permission string) (bool, error) {
	for _, p := range RolePermissions[role] {
		if p == permission {
			return true, nil
		}
	}
	return false, nil
}
