package bluetooth

// AuthorizeEventID names the capability a command needs before it is queued.
type AuthorizeEventID string

const (
	AuthorizeScan      AuthorizeEventID = "authorize-scan"
	AuthorizeConnect   AuthorizeEventID = "authorize-connect"
	AuthorizeAdvertise AuthorizeEventID = "authorize-advertise"
)

// Authorizer describes an optional capability of a DeviceAdapter which
// checks whether the application may use the radio for a given purpose.
// Returning a non-nil error rejects the command with a permission error.
type Authorizer interface {
	Authorize(event AuthorizeEventID, address MacAddress) error
}

// DefaultAuthorizer accepts all requests.
type DefaultAuthorizer struct{}

// Authorize accepts all requests.
func (DefaultAuthorizer) Authorize(AuthorizeEventID, MacAddress) error {
	return nil
}

// AuthorizerOf returns the adapter's Authorizer, or DefaultAuthorizer if the
// adapter does not implement one.
func AuthorizerOf(adapter DeviceAdapter) Authorizer {
	if a, ok := adapter.(Authorizer); ok {
		return a
	}

	return DefaultAuthorizer{}
}
