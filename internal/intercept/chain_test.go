package intercept

import (
	"errors"
	"strings"
	"testing"

	"intercept-proxy-go/internal/bufpool"
	"intercept-proxy-go/internal/model"
	"intercept-proxy-go/internal/proxyerr"
)

type recordStage struct {
	name    string
	log     *[]string
	reqErr  error
	headErr error
	upper   bool
	omit    string
	panicky bool
}

func (s *recordStage) Name() string { return s.name }

func (s *recordStage) BeforeRequest(_ *Exchange, req *model.Request) error {
	*s.log = append(*s.log, s.name+":req")
	if s.panicky {
		panic("boom")
	}
	req.Header.Add("X-Seen", s.name)
	return s.reqErr
}

func (s *recordStage) AfterResponseHead(_ *Exchange, head *model.ResponseHead) error {
	*s.log = append(*s.log, s.name+":head")
	return s.headErr
}

func (s *recordStage) AfterResponseChunk(_ *Exchange, chunk *bufpool.Buffer) (*bufpool.Buffer, error) {
	*s.log = append(*s.log, s.name+":chunk")
	if s.omit != "" && string(chunk.Bytes()) == s.omit {
		return nil, nil
	}
	if s.upper {
		out := bufpool.From([]byte(strings.ToUpper(string(chunk.Bytes()))))
		return out, nil
	}
	return chunk, nil
}

type headOnly struct{ called bool }

func (h *headOnly) Name() string { return "head-only" }

func (h *headOnly) AfterResponseHead(*Exchange, *model.ResponseHead) error {
	h.called = true
	return nil
}

func TestChain_RegistrationOrderBothDirections(t *testing.T) {
	var log []string
	c := NewChain(&recordStage{name: "a", log: &log}, &recordStage{name: "b", log: &log})

	req := &model.Request{Method: "GET"}
	if err := c.BeforeRequest(&Exchange{}, req); err != nil {
		t.Fatalf("BeforeRequest: %v", err)
	}
	if err := c.AfterResponseHead(&Exchange{}, &model.ResponseHead{}); err != nil {
		t.Fatalf("AfterResponseHead: %v", err)
	}

	want := "a:req,b:req,a:head,b:head"
	if got := strings.Join(log, ","); got != want {
		t.Errorf("order = %q, want %q", got, want)
	}
	if got := strings.Join(req.Header.Values("X-Seen"), ","); got != "a,b" {
		t.Errorf("X-Seen = %q, want %q", got, "a,b")
	}
}

func TestChain_DropShortCircuits(t *testing.T) {
	var log []string
	c := NewChain(
		&recordStage{name: "a", log: &log, reqErr: Drop(451, "blocked")},
		&recordStage{name: "b", log: &log},
	)
	err := c.BeforeRequest(&Exchange{}, &model.Request{})

	var de *DropError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DropError", err)
	}
	if de.Stage != "a" || de.StatusCode() != 451 {
		t.Errorf("drop = %+v", de)
	}
	if !errors.Is(err, ErrDrop) {
		t.Error("DropError should match ErrDrop")
	}
	if strings.Join(log, ",") != "a:req" {
		t.Errorf("later stage ran after drop: %v", log)
	}
}

func TestChain_PlainErrDropDefaultsTo403(t *testing.T) {
	var log []string
	c := NewChain(&recordStage{name: "a", log: &log, reqErr: ErrDrop})
	var de *DropError
	if err := c.BeforeRequest(&Exchange{}, &model.Request{}); !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DropError", err)
	}
	if de.StatusCode() != 403 {
		t.Errorf("StatusCode() = %d, want 403", de.StatusCode())
	}
}

func TestChain_ErrorIsInterceptorFailure(t *testing.T) {
	var log []string
	c := NewChain(
		&recordStage{name: "a", log: &log, headErr: errors.New("bad head")},
		&recordStage{name: "b", log: &log},
	)
	err := c.AfterResponseHead(&Exchange{}, &model.ResponseHead{})
	if !errors.Is(err, proxyerr.ErrInterceptorFailure) {
		t.Fatalf("err = %v, want InterceptorFailure", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "a" || se.Phase != PhaseHead {
		t.Errorf("StageError = %+v", se)
	}
	if strings.Join(log, ",") != "a:head" {
		t.Errorf("chain continued after error: %v", log)
	}
}

func TestChain_PanicRecovered(t *testing.T) {
	var log []string
	c := NewChain(&recordStage{name: "p", log: &log, panicky: true})
	err := c.BeforeRequest(&Exchange{}, &model.Request{})
	if proxyerr.KindOf(err) != proxyerr.KindInterceptorFailure {
		t.Errorf("KindOf = %v, want interceptor_failure", proxyerr.KindOf(err))
	}
}

func TestChain_ChunkTransformAndOmit(t *testing.T) {
	var log []string
	c := NewChain(
		&recordStage{name: "omit", log: &log, omit: "skip"},
		&recordStage{name: "upper", log: &log, upper: true},
	)
	before := bufpool.Outstanding()

	var got []string
	for _, in := range []string{"one", "skip", "two"} {
		out, err := c.AfterResponseChunk(&Exchange{}, bufpool.From([]byte(in)))
		if err != nil {
			t.Fatalf("AfterResponseChunk: %v", err)
		}
		if out == nil {
			continue
		}
		got = append(got, string(out.Bytes()))
		out.Release()
	}

	if strings.Join(got, ",") != "ONE,TWO" {
		t.Errorf("chunks = %v, want [ONE TWO]", got)
	}
	if n := bufpool.Outstanding(); n != before {
		t.Errorf("Outstanding() = %d, want %d", n, before)
	}
}

func TestChain_SkipsUnimplementedHooks(t *testing.T) {
	h := &headOnly{}
	c := NewChain(h, nil)
	if c.HasChunkStages() {
		t.Error("HasChunkStages() = true for a head-only chain")
	}
	if err := c.BeforeRequest(&Exchange{}, &model.Request{}); err != nil {
		t.Errorf("BeforeRequest: %v", err)
	}
	_ = c.AfterResponseHead(&Exchange{}, &model.ResponseHead{})
	if !h.called {
		t.Error("head hook not called")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestChain_NilIsEmpty(t *testing.T) {
	var c *Chain
	buf := bufpool.From([]byte("x"))
	out, err := c.AfterResponseChunk(&Exchange{}, buf)
	if err != nil || out != buf {
		t.Errorf("nil chain should pass chunks through")
	}
	out.Release()
	c.AfterResponseEnd(&Exchange{}, nil)
	c.OnException(&Exchange{}, errors.New("x"))
}

type observer struct{ seen []string }

func (o *observer) Name() string { return "observer" }

func (o *observer) ObserveResponseChunk(_ *Exchange, p []byte) {
	o.seen = append(o.seen, string(p))
}

func TestChain_ObserverSeesRewrittenChunks(t *testing.T) {
	var log []string
	obs := &observer{}
	c := NewChain(obs, &recordStage{name: "a", log: &log, upper: true})

	if !c.HasChunkStages() {
		t.Fatal("HasChunkStages() = false with a rewriting stage")
	}
	out, err := c.AfterResponseChunk(&Exchange{}, bufpool.From([]byte("abc")))
	if err != nil {
		t.Fatalf("AfterResponseChunk() error = %v", err)
	}
	defer out.Release()
	if len(obs.seen) != 1 || obs.seen[0] != "ABC" {
		t.Errorf("observer saw %q, want [ABC]", obs.seen)
	}

	if NewChain(obs).HasChunkStages() {
		t.Error("HasChunkStages() = true for an observer-only chain")
	}
}
