package handler

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"intercept-proxy-go/internal/registry"
)

// PairSource lists the live connection pairs.
type PairSource interface {
	Snapshot() []registry.Info
}

// PairsHandler lists connection pairs.
type PairsHandler struct {
	source PairSource
}

// NewPairsHandler creates a PairsHandler.
func NewPairsHandler(source PairSource) *PairsHandler {
	return &PairsHandler{source: source}
}

// List returns the live pairs, oldest first. ?state= filters by state.
func (h *PairsHandler) List(c echo.Context) error {
	state := c.QueryParam("state")
	pairs := h.source.Snapshot()
	out := make([]registry.Info, 0, len(pairs))
	for _, p := range pairs {
		if state == "" || p.State == state {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return c.JSON(http.StatusOK, map[string]any{
		"count": len(out),
		"pairs": out,
	})
}
