package agent

import (
	"fmt"
	"strings"
)

// Role selects the per-tick behavior plan.
type Role string

// Agent roles.
const (
	RoleSeller         Role = "seller"
	RoleBuyer          Role = "buyer"
	RoleBuyerSeller    Role = "buyer-seller"
	RoleValidator      Role = "validator"
	RoleCoordinator    Role = "coordinator"
	RoleCommunityBuyer Role = "community-buyer"
)

// Roles lists every known role tag.
var Roles = []Role{
	RoleSeller,
	RoleBuyer,
	RoleBuyerSeller,
	RoleValidator,
	RoleCoordinator,
	RoleCommunityBuyer,
}

// ParseRole normalizes a configured role tag.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// newPlan builds the behavior for the agent's role.
func newPlan(a *Agent) (Plan, error) {
	switch a.role {
	case RoleSeller:
		app := a.cfg.ApplicationConfiguration
		return newSellerPlan(a, newCatalogProducer(app.Name, app.Domain, app.Catalog))
	case RoleBuyer:
		return newBuyerPlan(a)
	case RoleBuyerSeller:
		return newBuyerSellerPlan(a)
	case RoleValidator:
		return newValidatorPlan(a)
	case RoleCoordinator:
		return newCoordinatorPlan(a), nil
	case RoleCommunityBuyer:
		return newCommunityPlan(a), nil
	default:
		return nil, fmt.Errorf("role %q has no plan", a.role)
	}
}
