// Package codec implements the body encodings understood by a QCache node.
//
// Two LZ4 framings share a loosely related name on the wire and are not
// interchangeable:
//
//   - "lz4" (LZ4Block): a single raw LZ4 block. By default the block is
//     prefixed with its uncompressed length as a 4-byte little-endian integer,
//     which is what the service and the python lz4.block module produce.
//     BlockCodec with StoreSize=false handles blocks whose size travels out of
//     band; those must be decoded with DecompressSize.
//   - "lz4-frame" (LZ4Frame): the self-describing LZ4 frame format with its own
//     magic number, written with independent blocks.
//
// Every decoder validates the framing before returning data, so feeding the
// bytes of one format to the other fails with a *CodecError instead of
// producing corrupted output.
//
// # Usage
//
//	body, err := codec.Compress(codec.LZ4Block, csv)
//	...
//	raw, err := codec.Decompress(codec.LZ4Block, body)
//	if err != nil {
//	    var cerr *codec.CodecError
//	    if errors.As(err, &cerr) {
//	        // framing did not match the declared encoding
//	    }
//	}
//
// Tokens received in a Content-Encoding header are mapped back with
// ParseEncoding, which returns an *UnsupportedEncodingError for anything it
// does not know.
package codec
