// Package journal records relayed exchanges into a sqlite database, with
// an optional compressed capture of each response body.
package journal

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"intercept-proxy-go/internal/config"
)

// Encode compresses p with codec.
func Encode(codec string, p []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch codec {
	case config.CodecNone, "":
		return append([]byte(nil), p...), nil
	case config.CodecGzip:
		gw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
		if err != nil {
			return nil, err
		}
		w = gw
	case config.CodecBrotli:
		w = brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
	if _, err := w.Write(p); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", codec, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", codec, err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(codec string, p []byte) ([]byte, error) {
	var r io.Reader
	switch codec {
	case config.CodecNone, "":
		return append([]byte(nil), p...), nil
	case config.CodecGzip:
		gr, err := gzip.NewReader(bytes.NewReader(p))
		if err != nil {
			return nil, fmt.Errorf("decoding gzip: %w", err)
		}
		defer gr.Close()
		r = gr
	case config.CodecBrotli:
		r = brotli.NewReader(bytes.NewReader(p))
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", codec, err)
	}
	return out, nil
}
