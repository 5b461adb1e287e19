package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

// ChainState is the live loop state of one indexed chain.
type ChainState struct {
	ChainID uint64
	State   string
}

// StateSource reports the poll loop state of every indexed chain. It is nil
// when the process does not run the indexer.
type StateSource func() []ChainState

// ChainHandler serves per-chain progress, status changes and dead letters.
type ChainHandler struct {
	cursors     domain.CursorStore
	deadLetters domain.DeadLetterStore
	bus         domain.SignalBus // optional
	states      StateSource      // optional
	logger      *slog.Logger
}

// NewChainHandler creates a ChainHandler. bus and states may be nil.
func NewChainHandler(
	cursors domain.CursorStore,
	deadLetters domain.DeadLetterStore,
	bus domain.SignalBus,
	states StateSource,
	logger *slog.Logger,
) *ChainHandler {
	return &ChainHandler{
		cursors:     cursors,
		deadLetters: deadLetters,
		bus:         bus,
		states:      states,
		logger:      logHandler(logger, "chains"),
	}
}

type chainView struct {
	ChainID            uint64     `json:"chain_id"`
	LastProcessedBlock *uint64    `json:"last_processed_block"`
	UpdatedAt          *time.Time `json:"updated_at,omitempty"`
	State              string     `json:"state,omitempty"`
}

// ListChains returns the cursor of every chain, merged with the loop state of
// chains this process indexes.
// GET /api/chains
func (h *ChainHandler) ListChains(w http.ResponseWriter, r *http.Request) {
	cursors, err := h.cursors.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list cursors failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list chains")
		return
	}

	byID := make(map[uint64]*chainView, len(cursors))
	out := make([]*chainView, 0, len(cursors))
	for _, c := range cursors {
		block, updated := c.LastProcessedBlock, c.UpdatedAt
		v := &chainView{ChainID: c.ChainID, LastProcessedBlock: &block, UpdatedAt: &updated}
		byID[c.ChainID] = v
		out = append(out, v)
	}
	if h.states != nil {
		for _, s := range h.states() {
			v, ok := byID[s.ChainID]
			if !ok {
				v = &chainView{ChainID: s.ChainID}
				out = append(out, v)
			}
			v.State = s.State
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chains": out})
}

type changeView struct {
	ID string `json:"id"`
	domain.StatusChange
}

// ListChanges reads the status change stream of a chain after the given
// stream id.
// GET /api/chains/{chainID}/changes?after=0-0&limit=100
func (h *ChainHandler) ListChanges(w http.ResponseWriter, r *http.Request) {
	chainID, ok := chainParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return
	}
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "status stream is not configured")
		return
	}

	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0-0"
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	msgs, err := h.bus.StreamRead(r.Context(), domain.StatusStream(chainID), after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "read status stream failed",
			slog.Uint64("chain_id", chainID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read status changes")
		return
	}

	out := make([]changeView, 0, len(msgs))
	for _, m := range msgs {
		var c domain.StatusChange
		if err := json.Unmarshal(m.Payload, &c); err != nil {
			h.logger.WarnContext(r.Context(), "skipping undecodable status change",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, changeView{ID: m.ID, StatusChange: c})
	}

	next := after
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": out, "next": next})
}

// ListDeadLetters returns quarantined events for a chain, newest first.
// GET /api/chains/{chainID}/dead-letters?limit=50&offset=0
func (h *ChainHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	chainID, ok := chainParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid chain id")
		return
	}

	letters, err := h.deadLetters.List(r.Context(), chainID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list dead letters failed",
			slog.Uint64("chain_id", chainID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	out := make([]deadLetterView, 0, len(letters))
	for _, dl := range letters {
		out = append(out, deadLetterView{
			BlockNumber: dl.BlockNumber,
			LogIndex:    dl.LogIndex,
			TxHash:      dl.TxHash.Hex(),
			Owner:       dl.Owner.Hex(),
			OrderID:     dl.OrderID,
			Reason:      dl.Reason,
			CreatedAt:   dl.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out})
}
