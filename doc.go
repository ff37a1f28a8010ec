// Package stream implements STREAM, the transport-layer protocol carried
// inside Interledger (ILP) packets. A client and a server share a 32-byte
// secret established out-of-band and open a logical connection over which
// they multiplex bidirectional streams carrying both money (integer asset
// units) and arbitrary bytes.
//
// This is an MVP implementation focusing on correctness over performance.
// It does not implement an ILP plugin, ILDCP resolver, or SPSP client --
// those are external collaborators, described here only via the interfaces
// this package consumes (see Plugin in ilp.go).
//
// Architecture:
//   - Each STREAM packet rides inside exactly one ILP Prepare/Fulfill/Reject.
//   - Only one Prepare per connection may be outstanding at a time.
//   - Packets are AES-256-GCM encrypted under a key derived from the shared
//     secret; the execution condition binds to the exact ciphertext sent.
//   - Money is apportioned across streams by integer shares, not absolute
//     amounts, so the per-packet amount can vary with path MPPA discovery
//     without renegotiating per-stream allocations.
package stream
