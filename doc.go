// Package curapacs federates two DICOM archive nodes that cannot see each
// other's storage: a local node paired with one remote peer.
//
// # Architecture
//
// The federator sits beside the local archive host and provides three things:
//
// Query reconciliation:
//   - The archive host delegates incoming C-FIND queries to the gateway's
//     enhance-query endpoint.
//   - The federation engine runs the query against both nodes, partitions the
//     result IDs into local-only, remote-only and shared sets, and merges tag
//     data so the caller sees one deduplicated answer.
//   - Peer outages degrade the answer to local data; they never fail a query.
//
// Instance replication:
//   - New local instances reported on the change webhook are pushed to the
//     peer through the archive host's asynchronous store job API.
//
// Worklist bridging:
//   - Worklist announcements travel between instances over a persistent
//     websocket link. Each process runs a message bus fed by a unix ingress
//     socket; the bridge relays bus envelopes to the connected instance and
//     dispatches inbound envelopes to typed handlers.
//
// Components follow one lifecycle contract (Initialize, Start, Stop, Health)
// and register Prometheus metrics with a shared registry exposed by the
// gateway.
package curapacs
