package intercept

import (
	"errors"
	"fmt"

	"intercept-proxy-go/internal/bufpool"
	"intercept-proxy-go/internal/model"
	"intercept-proxy-go/internal/proxyerr"
)

// Chain is an ordered list of stages. Both directions walk the list in
// registration order. A nil *Chain behaves as an empty chain.
type Chain struct {
	stages []Stage
	req    []RequestStage
	head   []ResponseHeadStage
	chunk  []ResponseChunkStage
	watch  []ResponseChunkObserver
	end    []ResponseEndStage
	exc    []ExceptionStage
}

// NewChain builds a chain from stages in the order given.
func NewChain(stages ...Stage) *Chain {
	c := &Chain{}
	for _, s := range stages {
		if s == nil {
			continue
		}
		c.stages = append(c.stages, s)
		if v, ok := s.(RequestStage); ok {
			c.req = append(c.req, v)
		}
		if v, ok := s.(ResponseHeadStage); ok {
			c.head = append(c.head, v)
		}
		if v, ok := s.(ResponseChunkStage); ok {
			c.chunk = append(c.chunk, v)
		}
		if v, ok := s.(ResponseChunkObserver); ok {
			c.watch = append(c.watch, v)
		}
		if v, ok := s.(ResponseEndStage); ok {
			c.end = append(c.end, v)
		}
		if v, ok := s.(ExceptionStage); ok {
			c.exc = append(c.exc, v)
		}
	}
	return c
}

// Names returns the stage names in order.
func (c *Chain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name()
	}
	return names
}

// Len returns the number of stages.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.stages)
}

// HasChunkStages reports whether any stage may rewrite body chunks. When
// none does the relay forwards the original body framing untouched.
func (c *Chain) HasChunkStages() bool {
	return c != nil && len(c.chunk) > 0
}

// BeforeRequest runs the request hooks. A drop is returned as *DropError;
// any other stage error is tagged KindInterceptorFailure.
func (c *Chain) BeforeRequest(ex *Exchange, req *model.Request) error {
	if c == nil {
		return nil
	}
	for _, s := range c.req {
		err := guard(PhaseRequest, s, func() error { return s.BeforeRequest(ex, req) })
		if err != nil {
			return dropOrFail(PhaseRequest, s, err)
		}
	}
	return nil
}

// AfterResponseHead runs the head hooks. A drop returns ErrDrop.
func (c *Chain) AfterResponseHead(ex *Exchange, head *model.ResponseHead) error {
	if c == nil {
		return nil
	}
	for _, s := range c.head {
		err := guard(PhaseHead, s, func() error { return s.AfterResponseHead(ex, head) })
		if err != nil {
			return dropOrFail(PhaseHead, s, err)
		}
	}
	return nil
}

// AfterResponseChunk passes chunk through the chunk hooks and returns the
// buffer to forward, or nil when a stage omitted it. The chain takes
// ownership of chunk: on every path it is either returned or released.
func (c *Chain) AfterResponseChunk(ex *Exchange, chunk *bufpool.Buffer) (*bufpool.Buffer, error) {
	if c == nil {
		return chunk, nil
	}
	cur := chunk
	for _, s := range c.chunk {
		var out *bufpool.Buffer
		err := guard(PhaseChunk, s, func() error {
			var err error
			out, err = s.AfterResponseChunk(ex, cur)
			return err
		})
		if out != cur && out != nil && err != nil {
			out.Release()
		}
		if out != cur || err != nil {
			cur.Release()
		}
		if err != nil {
			if errors.Is(err, ErrDrop) {
				return nil, nil
			}
			return nil, fail(PhaseChunk, s, err)
		}
		if out == nil {
			return nil, nil
		}
		cur = out
	}
	for _, s := range c.watch {
		_ = guard(PhaseChunk, s, func() error { s.ObserveResponseChunk(ex, cur.Bytes()); return nil })
	}
	return cur, nil
}

// AfterResponseEnd notifies stages that the exchange finished. Stage
// panics are recovered and ignored.
func (c *Chain) AfterResponseEnd(ex *Exchange, err error) {
	if c == nil {
		return
	}
	for _, s := range c.end {
		_ = guard(PhaseEnd, s, func() error { s.AfterResponseEnd(ex, err); return nil })
	}
}

// OnException notifies stages about a pair failure.
func (c *Chain) OnException(ex *Exchange, err error) {
	if c == nil {
		return
	}
	for _, s := range c.exc {
		_ = guard(PhaseOnExcept, s, func() error { s.OnException(ex, err); return nil })
	}
}

func guard(phase Phase, s Stage, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", phase, r)
		}
	}()
	return fn()
}

func dropOrFail(phase Phase, s Stage, err error) error {
	var de *DropError
	if errors.As(err, &de) {
		d := *de
		if d.Stage == "" {
			d.Stage = s.Name()
		}
		return &d
	}
	if errors.Is(err, ErrDrop) {
		return &DropError{Stage: s.Name()}
	}
	return fail(phase, s, err)
}

func fail(phase Phase, s Stage, err error) error {
	return proxyerr.New(proxyerr.KindInterceptorFailure, string(phase),
		&StageError{Phase: phase, Stage: s.Name(), Err: err})
}
