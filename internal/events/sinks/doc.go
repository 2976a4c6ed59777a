// Package sinks implements event consumers: structured logging, Prometheus
// collectors, and a Pub/Sub forwarder for observers outside this process.
// Each sink satisfies events.Sink and tolerates repeated Consume/Close calls.
package sinks
