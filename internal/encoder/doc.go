// Package encoder turns a live PCM stream into timesliced recording chunks.
package encoder
