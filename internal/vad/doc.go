// Package vad decides when to record. A Controller samples speech band energy
// on a fixed cadence, starts a recording on the first tick at or above the
// voice threshold and stops it once silence has lasted long enough.
package vad
