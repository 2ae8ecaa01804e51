package codec

import (
	"strings"
)

// Encoding identifies a body encoding on the wire.
type Encoding int

const (
	// None is the identity encoding: no Content-Encoding header.
	None Encoding = iota
	// LZ4Block is a raw LZ4 block, token "lz4".
	LZ4Block
	// LZ4Frame is an LZ4 frame stream, token "lz4-frame".
	LZ4Frame
)

// Content-Encoding tokens.
const (
	TokenNone     = ""
	TokenLZ4Block = "lz4"
	TokenLZ4Frame = "lz4-frame"
)

// Token returns the canonical Content-Encoding token for e.
func (e Encoding) Token() string {
	switch e {
	case LZ4Block:
		return TokenLZ4Block
	case LZ4Frame:
		return TokenLZ4Frame
	default:
		return TokenNone
	}
}

func (e Encoding) String() string {
	switch e {
	case None:
		return "none"
	case LZ4Block:
		return "lz4"
	case LZ4Frame:
		return "lz4-frame"
	default:
		return "unknown"
	}
}

// Valid reports whether e is one of the known encodings.
func (e Encoding) Valid() bool {
	return e == None || e == LZ4Block || e == LZ4Frame
}

// ParseEncoding maps a Content-Encoding header value to an Encoding.
// An empty value and "identity" both mean None.
func ParseEncoding(token string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case TokenNone, "identity":
		return None, nil
	case TokenLZ4Block:
		return LZ4Block, nil
	case TokenLZ4Frame:
		return LZ4Frame, nil
	}
	return None, &UnsupportedEncodingError{Token: token}
}

// Codec compresses and decompresses bodies for one encoding.
type Codec interface {
	Encoding() Encoding
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

var (
	identity     Codec = identityCodec{}
	defaultBlock Codec = BlockCodec{StoreSize: true}
	defaultFrame Codec = FrameCodec{}
)

// For returns the canonical codec for an encoding: identity for None, a
// size-prefixed block codec for LZ4Block and a default frame codec for LZ4Frame.
func For(e Encoding) (Codec, error) {
	switch e {
	case None:
		return identity, nil
	case LZ4Block:
		return defaultBlock, nil
	case LZ4Frame:
		return defaultFrame, nil
	}
	return nil, &UnsupportedEncodingError{Token: e.Token(), Encoding: e}
}

// Compress encodes src with the canonical codec for e.
func Compress(e Encoding, src []byte) ([]byte, error) {
	c, err := For(e)
	if err != nil {
		return nil, err
	}
	return c.Compress(src)
}

// Decompress decodes src with the canonical codec for e.
func Decompress(e Encoding, src []byte) ([]byte, error) {
	c, err := For(e)
	if err != nil {
		return nil, err
	}
	return c.Decompress(src)
}

type identityCodec struct{}

func (identityCodec) Encoding() Encoding { return None }

func (identityCodec) Compress(src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}

func (identityCodec) Decompress(src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}
