package streams

import "strings"

// DefaultPrefix namespaces postcraft keys in a shared Redis.
const DefaultPrefix = "postcraft"

// Topology names the streams and keys used for a deployment.
type Topology struct {
	prefix string
}

func NewTopology(prefix string) Topology {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Topology{prefix: prefix}
}

func (t Topology) Prefix() string { return t.prefix }

// RunQueue is the stream workers consume run.enqueued events from.
func (t Topology) RunQueue() string { return t.prefix + ":" + EventRunEnqueued }

// RunEvents is the per-run stream carrying step and lifecycle events.
func (t Topology) RunEvents(runID string) string {
	return t.prefix + ":run:" + runID + ":steps"
}

// CancelKey is set when a run should stop at its next stage boundary.
func (t Topology) CancelKey(runID string) string {
	return t.prefix + ":run:" + runID + ":cancel"
}
