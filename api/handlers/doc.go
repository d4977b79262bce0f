// Package handlers implements the HTTP handlers for the swarmflow
// service: execution lifecycle, event streaming over SSE and
// WebSocket, and health probes.
package handlers
