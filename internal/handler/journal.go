package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"intercept-proxy-go/internal/journal"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

// JournalReader reads journaled exchanges.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]*journal.Record, error)
	Get(ctx context.Context, id string) (*journal.Record, error)
}

// JournalHandler serves the exchange journal.
type JournalHandler struct {
	store  JournalReader
	logger *slog.Logger
}

// NewJournalHandler creates a JournalHandler.
func NewJournalHandler(store JournalReader, logger *slog.Logger) *JournalHandler {
	return &JournalHandler{store: store, logger: logger.With("component", "journal_handler")}
}

// List returns the most recent records. ?limit= caps the count.
func (h *JournalHandler) List(c echo.Context) error {
	limit := defaultJournalLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
		}
		limit = min(n, maxJournalLimit)
	}

	records, err := h.store.Recent(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("listing journal", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "journal unavailable",
		})
	}
	if records == nil {
		records = []*journal.Record{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"count":   len(records),
		"records": records,
	})
}

type recordResponse struct {
	*journal.Record
	// Body is the decoded capture, base64 encoded in JSON.
	Body []byte `json:"body,omitempty"`
}

// Get returns one record with its decoded body capture.
func (h *JournalHandler) Get(c echo.Context) error {
	id := c.Param("id")
	rec, err := h.store.Get(c.Request().Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "record not found",
		})
	}
	if err != nil {
		h.logger.Error("loading journal record", "err", err, "id", id)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "journal unavailable",
		})
	}

	resp := recordResponse{Record: rec}
	if len(rec.Capture) > 0 {
		body, err := journal.Decode(rec.Codec, rec.Capture)
		if err != nil {
			h.logger.Warn("decoding journal capture", "err", err, "id", id)
		} else {
			resp.Body = body
		}
	}
	return c.JSON(http.StatusOK, resp)
}
