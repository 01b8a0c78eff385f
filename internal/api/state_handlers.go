package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
	"github.com/JakeFAU/bilibili-notifier/internal/state"
)

const (
	defaultIDLimit = 10
	maxIDLimit     = 500
)

// getState handles GET /v1/state?kind=&limit=. It returns {"accounts": [...]}
// with at most limit of the newest identifiers per pair, or 400 for invalid
// filters.
func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	kind, limit, err := parseStateQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	snap := s.state.Snapshot()
	out := make([]accountDTO, 0, len(snap.Accounts))
	for mid, kinds := range snap.Accounts {
		dto, ok := toAccountDTO(mid, kinds, kind, limit)
		if ok {
			out = append(out, dto)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MID < out[j].MID })
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version, "accounts": out}, s.logger)
}

// getAccountState handles GET /v1/state/{mid}. It returns {"account": {...}},
// 400 for a malformed mid, or 404 when the account has no recorded state.
func (s *Server) getAccountState(w http.ResponseWriter, r *http.Request) {
	mid, err := parseMID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	kind, limit, err := parseStateQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	key := strconv.FormatInt(mid, 10)
	kinds, ok := s.state.Snapshot().Accounts[key]
	if !ok {
		writeError(w, http.StatusNotFound, "account not found", s.logger)
		return
	}
	dto, ok := toAccountDTO(key, kinds, kind, limit)
	if !ok {
		writeError(w, http.StatusNotFound, "kind not found", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": dto}, s.logger)
}

func parseMID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "mid")
	if raw == "" {
		return 0, errors.New("mid is required")
	}
	mid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || mid <= 0 {
		return 0, errors.New("invalid mid")
	}
	return mid, nil
}

func parseStateQuery(r *http.Request) (monitor.Kind, int, error) {
	q := r.URL.Query()
	var kind monitor.Kind
	if raw := strings.TrimSpace(q.Get("kind")); raw != "" {
		k, err := monitor.ParseKind(raw)
		if err != nil {
			return "", 0, errors.New("invalid kind")
		}
		kind = k
	}
	limit := defaultIDLimit
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return "", 0, errors.New("invalid limit")
		}
		limit = min(val, maxIDLimit)
	}
	return kind, limit, nil
}

func toAccountDTO(mid string, kinds map[string]*state.Record, only monitor.Kind, limit int) (accountDTO, bool) {
	id, _ := strconv.ParseInt(mid, 10, 64)
	dto := accountDTO{MID: id}
	for name, rec := range kinds {
		if only != "" && name != string(only) {
			continue
		}
		ids := rec.IDs
		if len(ids) > limit {
			ids = ids[len(ids)-limit:]
		}
		pending := make([]string, 0, len(rec.Partial))
		for itemID := range rec.Partial {
			pending = append(pending, itemID)
		}
		sort.Strings(pending)
		dto.Kinds = append(dto.Kinds, kindDTO{
			Kind:      name,
			Known:     len(rec.IDs),
			Latest:    ids,
			Pending:   pending,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	sort.Slice(dto.Kinds, func(i, j int) bool { return dto.Kinds[i].Kind < dto.Kinds[j].Kind })
	return dto, len(dto.Kinds) > 0
}

type accountDTO struct {
	MID   int64     `json:"mid"`
	Kinds []kindDTO `json:"kinds"`
}

type kindDTO struct {
	Kind      string    `json:"kind"`
	Known     int       `json:"known"`
	Latest    []string  `json:"latest"`
	Pending   []string  `json:"pending,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
