// Package intercept runs the ordered interceptor chain over requests and
// responses relayed by a connection pair.
package intercept

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"intercept-proxy-go/internal/bufpool"
	"intercept-proxy-go/internal/model"
)

// Stage is the base of every interceptor. A stage implements any subset of
// the hook interfaces below; hooks it does not implement are skipped.
type Stage interface {
	Name() string
}

// RequestStage observes or rewrites a request before it leaves.
// Returning ErrDrop or a *DropError stops the request from reaching the
// remote and answers the client locally.
type RequestStage interface {
	Stage
	BeforeRequest(ex *Exchange, req *model.Request) error
}

// ResponseHeadStage observes or rewrites a response head. ErrDrop stops
// the whole response from reaching the client.
type ResponseHeadStage interface {
	Stage
	AfterResponseHead(ex *Exchange, head *model.ResponseHead) error
}

// ResponseChunkStage observes or rewrites one body chunk. It returns the
// chunk to forward: the input, a replacement, or nil to omit this chunk.
// A stage that returns a replacement leaves the input to the chain.
type ResponseChunkStage interface {
	Stage
	AfterResponseChunk(ex *Exchange, chunk *bufpool.Buffer) (*bufpool.Buffer, error)
}

// ResponseChunkObserver sees each body chunk after the rewriting stages
// without changing it. Observers leave the response framing untouched.
type ResponseChunkObserver interface {
	Stage
	ObserveResponseChunk(ex *Exchange, p []byte)
}

// ResponseEndStage is told when an exchange finishes. err is nil when the
// response was relayed completely.
type ResponseEndStage interface {
	Stage
	AfterResponseEnd(ex *Exchange, err error)
}

// ExceptionStage is told about every failure on the pair.
type ExceptionStage interface {
	Stage
	OnException(ex *Exchange, err error)
}

// PairState is the per-pair storage a stage may attach values to. It
// outlives single exchanges and is discarded with the pair.
type PairState interface {
	ID() string
	Load(key any) (any, bool)
	Store(key, value any)
}

// Exchange is one request/response pass through the chain.
type Exchange struct {
	Pair    PairState
	Request *model.Request
	// Head is the final response head once it has been received.
	Head  *model.ResponseHead
	Start time.Time
	// BodyBytes counts response body bytes written to the client.
	BodyBytes int64
	// Tunnel is set when the exchange switched the pair to tunnel mode.
	Tunnel bool
	Logger *slog.Logger
}

// ErrDrop signals that a stage dropped the message.
var ErrDrop = errors.New("dropped by interceptor")

// DropError is a drop carrying the response to synthesize for the client.
type DropError struct {
	Stage  string
	Status int
	Reason string
	Body   string
}

// Drop returns a *DropError answering with status and body.
func Drop(status int, body string) *DropError {
	return &DropError{Status: status, Body: body}
}

func (e *DropError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("dropped with status %d", e.Status)
	}
	return fmt.Sprintf("dropped by %s with status %d", e.Stage, e.Status)
}

func (e *DropError) Is(target error) bool { return target == ErrDrop }

// StatusCode returns the status to answer with, defaulting to 403.
func (e *DropError) StatusCode() int {
	if e.Status == 0 {
		return http.StatusForbidden
	}
	return e.Status
}

// Phase names the chain hook a failure happened in.
type Phase string

const (
	PhaseRequest  Phase = "before_request"
	PhaseHead     Phase = "after_response_head"
	PhaseChunk    Phase = "after_response_chunk"
	PhaseEnd      Phase = "after_response_end"
	PhaseOnExcept Phase = "on_exception"
)

// StageError is a stage failure with the phase and stage it came from.
type StageError struct {
	Phase Phase
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (%s): %v", e.Stage, e.Phase, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
