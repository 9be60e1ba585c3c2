package wire

import (
	"io"
	"net/http"
	"strconv"

	"github.com/valyala/bytebufferpool"

	"intercept-proxy-go/internal/model"
)

var headPool bytebufferpool.Pool

// WriteRequestHead writes the request line and header block in one write.
func WriteRequestHead(w io.Writer, req *model.Request) error {
	bb := headPool.Get()
	defer headPool.Put(bb)

	bb.B = append(bb.B, req.Method...)
	bb.B = append(bb.B, ' ')
	bb.B = append(bb.B, req.Target...)
	bb.B = append(bb.B, ' ')
	bb.B = append(bb.B, req.Proto...)
	bb.B = append(bb.B, "\r\n"...)
	bb.B = appendHeader(bb.B, req.Header)
	_, err := w.Write(bb.B)
	return err
}

// WriteResponseHead writes the status line and header block in one write.
func WriteResponseHead(w io.Writer, head *model.ResponseHead) error {
	bb := headPool.Get()
	defer headPool.Put(bb)

	bb.B = append(bb.B, head.StatusLine()...)
	bb.B = append(bb.B, "\r\n"...)
	bb.B = appendHeader(bb.B, head.Header)
	_, err := w.Write(bb.B)
	return err
}

func appendHeader(dst []byte, h model.Header) []byte {
	for _, f := range h {
		dst = append(dst, f.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, f.Value...)
		dst = append(dst, "\r\n"...)
	}
	return append(dst, "\r\n"...)
}

// WriteChunk writes p as one chunk of a chunked body. Empty input writes
// nothing, since a zero-size chunk terminates the body.
func WriteChunk(w io.Writer, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	bb := headPool.Get()
	defer headPool.Put(bb)

	bb.B = strconv.AppendInt(bb.B, int64(len(p)), 16)
	bb.B = append(bb.B, "\r\n"...)
	bb.B = append(bb.B, p...)
	bb.B = append(bb.B, "\r\n"...)
	_, err := w.Write(bb.B)
	return err
}

// WriteLastChunk terminates a chunked body, with optional trailer fields.
func WriteLastChunk(w io.Writer, trailer model.Header) error {
	bb := headPool.Get()
	defer headPool.Put(bb)

	bb.B = append(bb.B, "0\r\n"...)
	bb.B = appendHeader(bb.B, trailer)
	_, err := w.Write(bb.B)
	return err
}

// WriteBody copies a request body to w, re-encoding chunked bodies.
func WriteBody(w io.Writer, req *model.Request, buf []byte) error {
	switch req.Framing {
	case model.FramingLength:
		_, err := io.CopyBuffer(w, io.LimitReader(req.Body, req.ContentLength), buf)
		return err
	case model.FramingChunked:
		body, _ := req.Body.(*Body)
		for {
			n, err := req.Body.Read(buf)
			if n > 0 {
				if werr := WriteChunk(w, buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				var trailer model.Header
				if body != nil {
					trailer = body.Trailer()
				}
				return WriteLastChunk(w, trailer)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Status builds a small text/plain response head for a locally
// synthesized response with the given body length.
func Status(code int, reason string, bodyLen int, keepAlive bool) *model.ResponseHead {
	if reason == "" {
		reason = http.StatusText(code)
	}
	head := &model.ResponseHead{
		Proto:         "HTTP/1.1",
		StatusCode:    code,
		Reason:        reason,
		Framing:       model.FramingLength,
		ContentLength: int64(bodyLen),
	}
	head.Header.Add("Content-Type", "text/plain; charset=utf-8")
	head.Header.Add("Content-Length", strconv.Itoa(bodyLen))
	if !keepAlive {
		head.Header.Add("Connection", "close")
	}
	return head
}

// WriteStatus writes a complete synthesized response with a short text body.
func WriteStatus(w io.Writer, code int, reason, body string, keepAlive bool) error {
	if body != "" && body[len(body)-1] != '\n' {
		body += "\n"
	}
	bb := headPool.Get()
	defer headPool.Put(bb)

	head := Status(code, reason, len(body), keepAlive)
	bb.B = append(bb.B, head.StatusLine()...)
	bb.B = append(bb.B, "\r\n"...)
	bb.B = appendHeader(bb.B, head.Header)
	bb.B = append(bb.B, body...)
	_, err := w.Write(bb.B)
	return err
}
