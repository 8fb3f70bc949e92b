// Package graceful provides the error wrapping and orchestration utilities
// of the upload core. The protocol layer wraps the cause of every error
// response in a ContextError; pipeline and storage adapter operations
// return plain errors.
//
// All canonical types and functions are defined in error.go and
// httpstatus.go. This file is intentionally left for package-level
// documentation only.
package graceful
