// Package bus implements the process-local message bus linking the
// synchronous HTTP side of the federator to the websocket bridge.
//
// Messages are typed Envelopes drawn from a closed set; payload shape is
// validated at decode time so malformed traffic is rejected at the edge. The
// bus broadcasts each published envelope to every current subscriber in
// publish order. Delivery is best effort per subscriber: a receiver that
// stops draining its channel loses messages instead of stalling the rest.
package bus
