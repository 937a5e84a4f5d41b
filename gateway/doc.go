// Package gateway exposes the federator's local HTTP surface: the
// enhance-query endpoint the archive host delegates C-FIND reconciliation to,
// the change webhook driving peer replication and worklist announcements, and
// the health and metrics endpoints.
package gateway
