// Package recorder implements the recording session: encoder lifecycle,
// in-memory chunk buffering, asynchronous chunk persistence and artifact
// finalization with a minimum duration filter.
package recorder
