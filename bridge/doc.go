// Package bridge links two federated instances with a persistent websocket
// connection and feeds the local message bus from a unix ingress socket.
//
// The bridge runs in one of two roles fixed at construction. With a parent
// URL configured it dials the parent, authenticating with a basic credential
// header, and redials forever at a fixed interval when the link drops. Without
// one it serves peer connections behind basic auth on the configured port and
// path. Both roles treat an established connection identically: envelopes
// published on the local bus are written out, inbound envelopes are decoded,
// validated and dispatched to the registered handler for their type.
//
// Synchronous callers inject envelopes through the ingress socket via
// Notifier; each connection carries exactly one envelope.
package bridge
