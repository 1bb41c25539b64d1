// Package unixsock implements the point-to-point framed transport over
// a unix domain socket.
//
// Every record on the wire is a length-prefixed, CBOR-encoded envelope.
// A connection must complete the HELLO/ACK handshake within the
// handshake timeout before it may carry task traffic; afterwards the
// server PINGs each client periodically and the client answers (and
// volunteers) PONGs. Heartbeats are advisory: absence of a timely PONG
// is surfaced via ServerConn.LastPong and Client.LastPing for the
// caller to police, the transport only disconnects on handshake
// failure.
//
// Control records (HELLO, ACK, PING, PONG, ERROR) are filtered out
// before business handlers; only validated application envelopes reach
// OnMessage callbacks. An invalid application record is answered with
// an invalid_message error record to the offending client without
// terminating its connection.
package unixsock
