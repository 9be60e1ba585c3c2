package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"intercept-proxy-go/internal/bufpool"
	"intercept-proxy-go/internal/model"
)

const maxChunkLine = 4096

// Body decodes a message body according to its framing. Read yields the
// decoded bytes; Next yields them one pooled chunk at a time.
type Body struct {
	br      *bufio.Reader
	framing model.Framing

	// remaining counts bytes left in the body (length framing) or in the
	// current chunk (chunked framing).
	remaining int64
	inChunk   bool
	done      bool
	trailer   model.Header
}

// NewBody returns a decoder reading from br.
func NewBody(br *bufio.Reader, framing model.Framing, length int64) *Body {
	b := &Body{br: br, framing: framing}
	switch framing {
	case model.FramingNone:
		b.done = true
	case model.FramingLength:
		b.remaining = length
		b.done = length <= 0
	}
	return b
}

// Framing returns the framing the body was created with.
func (b *Body) Framing() model.Framing { return b.framing }

// Trailer returns the trailer fields of a chunked body once it is done.
func (b *Body) Trailer() model.Header { return b.trailer }

// Done reports whether the whole body has been consumed.
func (b *Body) Done() bool { return b.done }

func (b *Body) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := b.advance(); err != nil {
		return 0, err
	}
	if b.done {
		return 0, io.EOF
	}
	if b.framing != model.FramingUntilClose && int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.br.Read(p)
	return n, b.account(n, err)
}

// Next returns the next body chunk of at most max bytes, as much as one
// read delivers. It returns io.EOF after the last chunk. The caller owns
// the returned buffer and must release it.
func (b *Body) Next(max int) (*bufpool.Buffer, error) {
	if b.done {
		return nil, io.EOF
	}
	if err := b.advance(); err != nil {
		return nil, err
	}
	if b.done {
		return nil, io.EOF
	}
	n := max
	if b.framing != model.FramingUntilClose && int64(n) > b.remaining {
		n = int(b.remaining)
	}
	buf := bufpool.Get()
	m, err := buf.Fill(b.br, n)
	if err = b.account(m, err); err != nil && !(errors.Is(err, io.EOF) && m > 0) {
		buf.Release()
		return nil, err
	}
	if m == 0 {
		buf.Release()
		return b.Next(max)
	}
	return buf, nil
}

// Drain consumes and discards the rest of the body.
func (b *Body) Drain() error {
	_, err := io.Copy(io.Discard, b)
	return err
}

func (b *Body) account(n int, err error) error {
	if b.framing == model.FramingUntilClose {
		if errors.Is(err, io.EOF) {
			b.done = true
		}
		return err
	}
	b.remaining -= int64(n)
	if errors.Is(err, io.EOF) {
		if b.remaining > 0 {
			return io.ErrUnexpectedEOF
		}
		err = nil
	}
	if err == nil && b.remaining == 0 && b.framing == model.FramingLength {
		b.done = true
	}
	return err
}

// advance starts the next chunk of a chunked body when the current one
// is exhausted, and consumes the trailer after the last chunk.
func (b *Body) advance() error {
	if b.framing != model.FramingChunked || b.remaining > 0 {
		return nil
	}
	if b.inChunk {
		if err := b.expectCRLF(); err != nil {
			return err
		}
		b.inChunk = false
	}
	line, err := b.line()
	if err != nil {
		return err
	}
	size, _, _ := strings.Cut(line, ";")
	size = strings.TrimSpace(size)
	if !allDigits(size, true) {
		return fmt.Errorf("%w: size %q", ErrBadChunk, line)
	}
	n, err := strconv.ParseInt(size, 16, 64)
	if err != nil {
		return fmt.Errorf("%w: size %q", ErrBadChunk, line)
	}
	if n == 0 {
		return b.readTrailer()
	}
	b.remaining = n
	b.inChunk = true
	return nil
}

func (b *Body) readTrailer() error {
	r := Reader{br: b.br, maxHeader: DefaultMaxHeaderBytes}
	budget := r.maxHeader
	h, err := r.readHeader(&budget)
	if err != nil {
		return err
	}
	b.trailer = h
	b.done = true
	return nil
}

func (b *Body) expectCRLF() error {
	line, err := b.line()
	if err != nil {
		return err
	}
	if line != "" {
		return fmt.Errorf("%w: missing CRLF after data", ErrBadChunk)
	}
	return nil
}

func (b *Body) line() (string, error) {
	r := Reader{br: b.br}
	budget := maxChunkLine
	line, err := r.readLine(&budget)
	if errors.Is(err, io.EOF) {
		return "", io.ErrUnexpectedEOF
	}
	if errors.Is(err, ErrHeaderTooLarge) {
		return "", fmt.Errorf("%w: line too long", ErrBadChunk)
	}
	return string(line), err
}
