package models

// Role represents a principal's permission level.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleOperator  Role = "operator"
	RoleViewer    Role = "viewer"
	RolePublisher Role = "publisher"
)

// ParseRole converts a string to Role.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "operator":
		return RoleOperator
	case "publisher":
		return RolePublisher
	default:
		return RoleViewer
	}
}

// CanWatch reports whether the role may open alert streams.
func (r Role) CanWatch() bool {
	return r == RoleAdmin || r == RoleOperator || r == RoleViewer
}

// CanPublish reports whether the role may push alerts into the broker.
func (r Role) CanPublish() bool {
	return r == RoleAdmin || r == RolePublisher
}
