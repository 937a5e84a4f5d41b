// Package federation implements the reconciliation engine that answers one
// query against two archive nodes as a single merged, deduplicated result.
//
// An incoming flat tag query is translated into a keyword find request,
// submitted to both nodes, and each node's hits are expanded down to the
// requested retrieve level. The two ID sets are then partitioned into
// local-only, remote-only and shared resources so that tag data is fetched
// remotely only for resources the local node does not hold. Peer failures
// degrade the answer to local-only data; local failures fail the request.
//
// The package also carries the change forwarder that replicates newly created
// local instances to the peer through the archive host's job API.
package federation
