// Package server exposes the recorder to the network: a UDP receiver that turns
// TLV packets from a remote microphone into a live audio stream, and an HTTP
// API for health, status, stored chunks and Prometheus metrics.
package server
