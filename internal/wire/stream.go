package wire

import (
	"bufio"
	"net"
	"sync"

	"github.com/agentwire/agentwire-go/contracts"
)

// Stream sends and receives envelope records over a net.Conn using
// length-prefixed frames and a Codec. Send is safe for concurrent use;
// Recv must be called from a single reader goroutine.
type Stream struct {
	conn     net.Conn
	br       *bufio.Reader
	bw       *bufio.Writer
	codec    Codec
	maxFrame uint32

	wmu sync.Mutex
}

// NewStream wraps a connection with buffered framed record I/O.
func NewStream(conn net.Conn, codec Codec, maxFrame uint32) *Stream {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Stream{
		conn:     conn,
		br:       bufio.NewReader(conn),
		bw:       bufio.NewWriter(conn),
		codec:    codec,
		maxFrame: maxFrame,
	}
}

// Conn returns the underlying connection.
func (s *Stream) Conn() net.Conn { return s.conn }

// Send encodes and writes one envelope record.
func (s *Stream) Send(e *contracts.Envelope) error {
	payload, err := s.codec.Marshal(e)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := WriteFrame(s.bw, payload); err != nil {
		return err
	}
	return s.bw.Flush()
}

// Recv reads and decodes one envelope record, reassembling it from
// partial reads.
func (s *Stream) Recv() (*contracts.Envelope, error) {
	payload, err := ReadFrame(s.br, s.maxFrame)
	if err != nil {
		return nil, err
	}
	var e contracts.Envelope
	if err := s.codec.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Close closes the underlying connection.
func (s *Stream) Close() error { return s.conn.Close() }
