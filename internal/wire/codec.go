package wire

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Codec marshals envelopes for the wire. Implementations must be
// deterministic so records are portable across peers.
type Codec interface {
	ContentType() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns the canonical CBOR codec (RFC 8949) used by the socket
// transport. Map keys are sorted so encoding is deterministic.
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return &cborCodec{enc: em, dec: dm}, nil
}

// MustCBOR is CBOR for callers that treat codec construction failure as
// a programming error.
func MustCBOR() Codec {
	c, err := CBOR()
	if err != nil {
		panic(err)
	}
	return c
}

func (c *cborCodec) ContentType() string { return "application/cbor" }

func (c *cborCodec) Marshal(v interface{}) ([]byte, error) { return c.enc.Marshal(v) }

func (c *cborCodec) Unmarshal(data []byte, v interface{}) error { return c.dec.Unmarshal(data, v) }

type jsonCodec struct{}

// JSON returns a JSON codec, used where human-readable records matter
// more than compactness (broker transport, diagnostics).
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
