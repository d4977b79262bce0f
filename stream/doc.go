// Package stream fans one producer's event stream out to any number of
// consumers per execution, with replay for late joiners and synthetic
// heartbeats for idle connections.
//
// The producer side never blocks: every consumer gets an unbounded
// queue, so a slow or crashed client costs memory, not agent progress.
// That tradeoff is deliberate and bounded in practice by the replay
// TTL and the teardown grace applied to abandoned streams.
//
// Published events are additionally appended to a ReplayCache so a
// consumer that attaches late can reconstruct everything it missed;
// sequence numbers are assigned at publish time and are strictly
// increasing with no gaps within one execution.
package stream
