// Command swarmflow runs the swarm coordination service: it exposes
// the execution lifecycle API, the SSE and WebSocket event streams,
// health probes, and Prometheus metrics.
package main
