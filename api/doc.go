// Package api defines the HTTP request and response types for the
// swarmflow service.
package api
