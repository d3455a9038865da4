// Package events provides the synchronous, ordered notification bus used by
// the recorder to report lifecycle and telemetry events to its consumers.
package events
