package ble

// Permission is a runtime authorization the host must hold before the
// radio may be used for an operation.
type Permission int

const (
	PermissionScan Permission = iota + 1
	PermissionConnect
)

func (p Permission) String() string {
	switch p {
	case PermissionScan:
		return "scan"
	case PermissionConnect:
		return "connect"
	default:
		return "unknown"
	}
}

// Authorizer reports whether a permission is currently granted. It is
// consulted before any transport call.
type Authorizer interface {
	Granted(p Permission) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(Permission) bool

func (f AuthorizerFunc) Granted(p Permission) bool { return f(p) }

// StaticGrants is a fixed permission set, typically loaded from config.
type StaticGrants struct {
	Scan    bool
	Connect bool
}

func (g StaticGrants) Granted(p Permission) bool {
	switch p {
	case PermissionScan:
		return g.Scan
	case PermissionConnect:
		return g.Connect
	default:
		return false
	}
}

// AllowAll grants every permission.
var AllowAll Authorizer = StaticGrants{Scan: true, Connect: true}

func checkPermission(a Authorizer, p Permission, op, address string) error {
	if a != nil && a.Granted(p) {
		return nil
	}
	return opError(op, address, 0, ErrPermissionDenied, nil)
}
