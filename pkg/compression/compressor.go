// Package compression encodes archived raw batches.
//
// Each Algorithm maps to a file extension so an archived object's name
// says how to read it back:
//
//	c, err := compression.NewCompressor(compression.Zstd)
//	body, err := c.Compress(jsonl)
//	key := "raw/toast_orders/r1/" + batchID + ".jsonl" + c.Extension()
package compression

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ajitpratap0/tidewater/pkg/errors"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None stores data as-is
	None Algorithm = "none"
	// Gzip is the most widely readable choice
	Gzip Algorithm = "gzip"
	// Zstd compresses best at good speed
	Zstd Algorithm = "zstd"
	// LZ4 is the fastest
	LZ4 Algorithm = "lz4"
	// S2 is a faster Snappy-compatible format
	S2 Algorithm = "s2"
)

var extensions = map[Algorithm]string{
	None: "",
	Gzip: ".gz",
	Zstd: ".zst",
	LZ4:  ".lz4",
	S2:   ".s2",
}

// maxDecompressed bounds how much a single object may inflate to.
const maxDecompressed = 1 << 30

// Compressor compresses whole payloads. Implementations are safe for
// concurrent use.
type Compressor interface {
	Algorithm() Algorithm
	// Extension is the file suffix for the algorithm, empty for None
	Extension() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NewCompressor returns the compressor for algorithm. An empty name means Zstd.
func NewCompressor(algorithm Algorithm) (Compressor, error) {
	switch algorithm {
	case "", Zstd:
		return newZstdCompressor()
	case None:
		return streamCompressor{algorithm: None, wrap: nopWriter, unwrap: nopReader}, nil
	case Gzip:
		return streamCompressor{
			algorithm: Gzip,
			wrap:      func(w io.Writer) (io.WriteCloser, error) { return gzip.NewWriterLevel(w, gzip.DefaultCompression) },
			unwrap:    func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
		}, nil
	case LZ4:
		return streamCompressor{
			algorithm: LZ4,
			wrap:      func(w io.Writer) (io.WriteCloser, error) { return lz4.NewWriter(w), nil },
			unwrap:    func(r io.Reader) (io.Reader, error) { return lz4.NewReader(r), nil },
		}, nil
	case S2:
		return streamCompressor{
			algorithm: S2,
			wrap:      func(w io.Writer) (io.WriteCloser, error) { return s2.NewWriter(w), nil },
			unwrap:    func(r io.Reader) (io.Reader, error) { return s2.NewReader(r), nil },
		}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported compression algorithm %q", algorithm)
	}
}

// streamCompressor adapts a streaming codec to whole-payload calls.
type streamCompressor struct {
	algorithm Algorithm
	wrap      func(io.Writer) (io.WriteCloser, error)
	unwrap    func(io.Reader) (io.Reader, error)
}

func (s streamCompressor) Algorithm() Algorithm { return s.algorithm }

func (s streamCompressor) Extension() string { return extensions[s.algorithm] }

func (s streamCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := s.wrap(&buf)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "creating "+string(s.algorithm)+" writer")
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "compressing")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "compressing")
	}
	return buf.Bytes(), nil
}

func (s streamCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := s.unwrap(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "reading "+string(s.algorithm)+" header")
	}
	out, err := io.ReadAll(io.LimitReader(r, maxDecompressed))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decompressing")
	}
	return out, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func nopWriter(w io.Writer) (io.WriteCloser, error) { return nopWriteCloser{w}, nil }

func nopReader(r io.Reader) (io.Reader, error) { return r, nil }

// zstdCompressor pools encoders and decoders; they are costly to build.
type zstdCompressor struct {
	encoders sync.Pool
	decoders sync.Pool
}

func newZstdCompressor() (*zstdCompressor, error) {
	zc := &zstdCompressor{}
	zc.encoders.New = func() interface{} {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return enc
	}
	zc.decoders.New = func() interface{} {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressed))
		return dec
	}
	return zc, nil
}

func (zc *zstdCompressor) Algorithm() Algorithm { return Zstd }

func (zc *zstdCompressor) Extension() string { return extensions[Zstd] }

func (zc *zstdCompressor) Compress(data []byte) ([]byte, error) {
	enc := zc.encoders.Get().(*zstd.Encoder)
	defer zc.encoders.Put(enc)
	return enc.EncodeAll(data, nil), nil
}

func (zc *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	dec := zc.decoders.Get().(*zstd.Decoder)
	defer zc.decoders.Put(dec)
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decompressing zstd")
	}
	return out, nil
}
