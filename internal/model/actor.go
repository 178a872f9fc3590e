package model

type Role string

const (
	RoleEmployee Role = "employee"
	RoleCompany  Role = "company"
	RoleClient   Role = "client"
	// RoleSystem 后台 worker / sweeper 使用
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleEmployee, RoleCompany, RoleClient, RoleSystem:
		return true
	default:
		return false
	}
}

// Actor 身份由外部系统签发（JWT），引擎只使用 ID 和 Role
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func SystemActor(name string) Actor {
	return Actor{ID: "system:" + name, Role: RoleSystem}
}
