// Package protocol holds the contract between the HTTP server and the
// endpoints it mounts.
package protocol

import "net/http"

// EndpointRoute is one method and path served by an endpoint.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Endpoint groups related routes under a name used for registration and logging.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
