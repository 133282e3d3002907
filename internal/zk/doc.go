// Package zk implements the proprietary ZKTeco time-clock wire protocol.
//
// This includes the frame codec (checksums, TCP length prefix, timestamp
// encodings), the per-device session client (handshake, authentication,
// request/response, buffered multi-chunk reads), and the live-capture
// event stream.
package zk
