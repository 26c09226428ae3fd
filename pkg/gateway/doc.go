// Package gateway defines the domain model shared by every component of the
// outbound invocation engine: routes, links, secrets, invoke requests and
// responses, stream chunks and aborts, and the caller-supplied retry intent.
//
// These are transport-agnostic value types. They carry no behavior beyond
// small helpers; all orchestration lives in pkg/engine and the plugin
// implementations.
package gateway
