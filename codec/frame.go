package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// FrameCodec encodes bodies as an LZ4 frame ("lz4-frame" on the wire).
//
// Blocks are always written independently. The zero value writes 4MB blocks
// without a content size or content checksum.
type FrameCodec struct {
	// BlockSize is the maximum block size. Zero means lz4.Block4Mb.
	BlockSize lz4.BlockSize

	// ContentSize stores the uncompressed size in the frame header.
	ContentSize bool

	// Checksum appends a content checksum to the frame.
	Checksum bool
}

func (c FrameCodec) Encoding() Encoding { return LZ4Frame }

// Compress encodes src as a single LZ4 frame.
func (c FrameCodec) Compress(src []byte) ([]byte, error) {
	blockSize := c.BlockSize
	if blockSize == 0 {
		blockSize = lz4.Block4Mb
	}

	options := []lz4.Option{
		lz4.BlockSizeOption(blockSize),
		lz4.ChecksumOption(c.Checksum),
		lz4.ConcurrencyOption(1),
	}
	if c.ContentSize {
		options = append(options, lz4.SizeOption(uint64(len(src))))
	}

	var buf bytes.Buffer
	buf.Grow(lz4.CompressBlockBound(len(src)) + 32)

	zw := lz4.NewWriter(&buf)
	if err := zw.Apply(options...); err != nil {
		return nil, compressError(LZ4Frame, "invalid frame options", err)
	}
	if _, err := zw.Write(src); err != nil {
		return nil, compressError(LZ4Frame, "frame write failed", err)
	}
	if err := zw.Close(); err != nil {
		return nil, compressError(LZ4Frame, "frame close failed", err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes a payload made of complete LZ4 frames. The frame
// structure is walked before anything is decoded: a payload cut short, even on
// a block boundary, or followed by bytes that are not a frame is rejected.
// Concatenated frames decode to the concatenation of their contents and
// skippable frames are ignored.
func (c FrameCodec) Decompress(src []byte) ([]byte, error) {
	if len(src) < len(frameMagic) || !bytes.Equal(src[:len(frameMagic)], frameMagic) {
		return nil, decompressError(LZ4Frame, "missing lz4 frame magic", nil)
	}

	spans, err := splitFrames(src)
	if err != nil {
		return nil, decompressError(LZ4Frame, "malformed frame", err)
	}

	var out []byte
	for _, span := range spans {
		if span.skippable {
			continue
		}

		data, err := io.ReadAll(lz4.NewReader(bytes.NewReader(src[span.start:span.end])))
		if err != nil {
			return nil, decompressError(LZ4Frame, "corrupt frame", err)
		}
		if span.hasSize && uint64(len(data)) != span.contentSize {
			return nil, decompressError(LZ4Frame, fmt.Sprintf("frame at offset %d decoded to %d bytes, header declares %d", span.start, len(data), span.contentSize), nil)
		}

		if out == nil {
			out = data
		} else {
			out = append(out, data...)
		}
	}

	if out == nil {
		out = []byte{}
	}
	return out, nil
}

const (
	frameMagicNumber    = 0x184D2204
	skippableMagicMask  = 0xFFFFFFF0
	skippableMagicValue = 0x184D2A50

	flagVersion         = 0xC0
	flagVersion1        = 0x40
	flagBlockChecksum   = 0x10
	flagContentSize     = 0x08
	flagContentChecksum = 0x04
	flagReserved        = 0x02
	flagDictID          = 0x01
	bdReserved          = 0x8F
)

// frameSpan locates one frame inside a payload.
type frameSpan struct {
	start, end  int
	skippable   bool
	hasSize     bool
	contentSize uint64
}

// splitFrames walks src frame by frame without decoding blocks. It succeeds
// only when src is exactly a sequence of complete frames.
func splitFrames(src []byte) ([]frameSpan, error) {
	var spans []frameSpan
	for pos := 0; pos < len(src); {
		span, err := walkFrame(src, pos)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
		pos = span.end
	}
	return spans, nil
}

func walkFrame(src []byte, start int) (frameSpan, error) {
	span := frameSpan{start: start}
	rest := src[start:]

	if len(rest) < 4 {
		return span, fmt.Errorf("%d trailing bytes at offset %d", len(rest), start)
	}
	magic := binary.LittleEndian.Uint32(rest)

	if magic&skippableMagicMask == skippableMagicValue {
		if len(rest) < 8 {
			return span, fmt.Errorf("skippable frame at offset %d is truncated", start)
		}
		size := uint64(binary.LittleEndian.Uint32(rest[4:]))
		if uint64(len(rest)-8) < size {
			return span, fmt.Errorf("skippable frame at offset %d declares %d bytes, %d left", start, size, len(rest)-8)
		}
		span.skippable = true
		span.end = start + 8 + int(size)
		return span, nil
	}

	if magic != frameMagicNumber {
		return span, fmt.Errorf("%d trailing bytes at offset %d are not a frame", len(rest), start)
	}
	if len(rest) < 7 {
		return span, fmt.Errorf("frame descriptor at offset %d is truncated", start)
	}

	flg, bd := rest[4], rest[5]
	if flg&flagVersion != flagVersion1 {
		return span, fmt.Errorf("unsupported frame version %d", flg>>6)
	}
	if flg&flagReserved != 0 || bd&bdReserved != 0 {
		return span, fmt.Errorf("reserved descriptor bits set at offset %d", start)
	}
	maxBlock := 0
	switch bd >> 4 & 0x07 {
	case 4:
		maxBlock = 64 << 10
	case 5:
		maxBlock = 256 << 10
	case 6:
		maxBlock = 1 << 20
	case 7:
		maxBlock = 4 << 20
	default:
		return span, fmt.Errorf("invalid block size id %d", bd>>4&0x07)
	}

	pos := 6
	if flg&flagContentSize != 0 {
		if len(rest) < pos+8 {
			return span, fmt.Errorf("frame descriptor at offset %d is truncated", start)
		}
		span.hasSize = true
		span.contentSize = binary.LittleEndian.Uint64(rest[pos:])
		pos += 8
	}
	if flg&flagDictID != 0 {
		pos += 4
	}
	pos++ // header checksum
	if len(rest) < pos {
		return span, fmt.Errorf("frame descriptor at offset %d is truncated", start)
	}

	for {
		if len(rest) < pos+4 {
			return span, fmt.Errorf("frame at offset %d has no end mark", start)
		}
		word := binary.LittleEndian.Uint32(rest[pos:])
		pos += 4
		if word == 0 {
			break
		}

		size := int(word & 0x7FFFFFFF)
		if size > maxBlock {
			return span, fmt.Errorf("block of %d bytes exceeds the %d byte maximum", size, maxBlock)
		}
		pos += size
		if flg&flagBlockChecksum != 0 {
			pos += 4
		}
		if len(rest) < pos {
			return span, fmt.Errorf("block ending at offset %d is truncated", start+pos)
		}
	}

	if flg&flagContentChecksum != 0 {
		pos += 4
		if len(rest) < pos {
			return span, fmt.Errorf("frame at offset %d is missing its content checksum", start)
		}
	}

	span.end = start + pos
	return span, nil
}
