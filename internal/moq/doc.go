// Package moq implements the subscriber side of the MoQ transport: a
// QUIC client session that consumes broadcasts as tracks of groups of
// frames. Control messages travel on a bidirectional stream; each group
// arrives on its own unidirectional stream, routed by subscribe ID.
//
// The watch pipeline consumes this package through narrow interfaces so
// tests can substitute in-memory transports.
package moq
