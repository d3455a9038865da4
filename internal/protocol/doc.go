// Package protocol implements the TLV wire format used by remote microphones.
// A stream opens with a control packet announcing its sample rate and device,
// carries sequenced little-endian PCM-16 audio packets, and ends with a bye.
package protocol
