// Package archive implements the typed HTTP client for one DICOM archive
// node's REST surface: resource lookup, hierarchy descent, tag retrieval,
// find queries, instance ingest and peer replication jobs.
//
// One Client is bound to one node (base URL plus optional basic-auth
// credentials). Every operation performs a single bounded round trip; the
// client never retries. Connection failures and timeouts come back as
// transient errors wrapping errors.ErrPeerUnreachable so callers can decide
// per call site whether to degrade or to fail the request.
package archive
