package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pierrec/lz4/v4"
)

// BlockHeaderLen is the length of the uncompressed-size prefix written in
// front of a self-describing block.
const BlockHeaderLen = 4

// maxBlockExpansion bounds how much a single LZ4 block can expand when
// decoded. A claimed size beyond this is not a block we produced.
const maxBlockExpansion = 255

// frameMagic is the little-endian LZ4 frame magic number 0x184D2204.
var frameMagic = []byte{0x04, 0x22, 0x4d, 0x18}

// BlockCodec encodes bodies as a single LZ4 block ("lz4" on the wire).
//
// With StoreSize set the block is preceded by its uncompressed length
// (4 bytes, little endian) and Decompress is self-contained. Without it the
// caller keeps track of the uncompressed size and decodes with DecompressSize.
type BlockCodec struct {
	StoreSize bool
}

func (c BlockCodec) Encoding() Encoding { return LZ4Block }

// Compress encodes src as one LZ4 block.
func (c BlockCodec) Compress(src []byte) ([]byte, error) {
	if uint64(len(src)) > math.MaxUint32 {
		return nil, compressError(LZ4Block, fmt.Sprintf("payload of %d bytes does not fit the size prefix", len(src)), nil)
	}

	offset := 0
	if c.StoreSize {
		offset = BlockHeaderLen
	}

	dst := make([]byte, offset+lz4.CompressBlockBound(len(src)))
	if c.StoreSize {
		binary.LittleEndian.PutUint32(dst, uint32(len(src)))
	}

	if len(src) == 0 {
		return dst[:offset], nil
	}

	n, err := lz4.CompressBlock(src, dst[offset:], nil)
	if err != nil {
		return nil, compressError(LZ4Block, "block compression failed", err)
	}
	return dst[:offset+n], nil
}

// Decompress decodes a size-prefixed block. It fails when StoreSize is unset
// since the uncompressed size is then unknown.
func (c BlockCodec) Decompress(src []byte) ([]byte, error) {
	if !c.StoreSize {
		return nil, decompressError(LZ4Block, "uncompressed size required for blocks without size prefix", nil)
	}

	// Nodes send nothing at all for an empty body.
	if len(src) == 0 {
		return []byte{}, nil
	}
	if len(src) < BlockHeaderLen {
		return nil, decompressError(LZ4Block, fmt.Sprintf("payload of %d bytes is shorter than the size prefix", len(src)), nil)
	}

	size := binary.LittleEndian.Uint32(src[:BlockHeaderLen])
	out, err := decodeBlock(src[BlockHeaderLen:], int64(size))
	if err != nil && bytes.HasPrefix(src, frameMagic) {
		// The frame magic doubles as a size prefix of 407703044 bytes, so it
		// only names the failure.
		return nil, decompressError(LZ4Block, "payload starts with the lz4 frame magic", err)
	}
	return out, err
}

// DecompressSize decodes a block whose uncompressed size is known out of band.
// With StoreSize set the prefix is skipped and must agree with size.
func (c BlockCodec) DecompressSize(src []byte, size int) ([]byte, error) {
	if size < 0 {
		return nil, decompressError(LZ4Block, fmt.Sprintf("invalid uncompressed size %d", size), nil)
	}

	if c.StoreSize {
		if len(src) < BlockHeaderLen {
			return nil, decompressError(LZ4Block, fmt.Sprintf("payload of %d bytes is shorter than the size prefix", len(src)), nil)
		}
		if stored := binary.LittleEndian.Uint32(src[:BlockHeaderLen]); int64(stored) != int64(size) {
			return nil, decompressError(LZ4Block, fmt.Sprintf("size prefix %d does not match expected size %d", stored, size), nil)
		}
		src = src[BlockHeaderLen:]
	}

	return decodeBlock(src, int64(size))
}

func decodeBlock(block []byte, size int64) ([]byte, error) {
	if size == 0 {
		if len(block) > 1 {
			return nil, decompressError(LZ4Block, fmt.Sprintf("%d trailing bytes for an empty block", len(block)), nil)
		}
		return []byte{}, nil
	}

	if len(block) == 0 {
		return nil, decompressError(LZ4Block, fmt.Sprintf("empty block for %d uncompressed bytes", size), nil)
	}

	if size > int64(len(block))*maxBlockExpansion {
		return nil, decompressError(LZ4Block, fmt.Sprintf("declared size %d is impossible for a %d byte block", size, len(block)), nil)
	}

	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(block, dst)
	if err != nil {
		return nil, decompressError(LZ4Block, "corrupt block", err)
	}
	if int64(n) != size {
		return nil, decompressError(LZ4Block, fmt.Sprintf("decoded %d bytes, expected %d", n, size), nil)
	}
	return dst, nil
}
