package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"ciphernotes/cfg"
	"ciphernotes/pkg/domain"
	"ciphernotes/svc/lim"
	"ciphernotes/svc/svc"
	"ciphernotes/svc/util"
)

const (
	msgCreated = "Paste created successfully"
	msgUpdated = "Paste updated successfully"
	msgDeleted = "Paste deleted successfully"
)

type Hdl struct {
	paste    *svc.Paste
	ipHasher *util.IPHasher
	lim      *lim.Limiter
	cfg      *cfg.Cfg
}

type CreateReq struct {
	Content     string `json:"content"`
	AutoDelete  bool   `json:"autoDelete"`
	ExpiryHours *Hours `json:"expiryHours,omitempty"`
}

// Hours is the expiryHours field. Browser forms often post it as a string,
// so a quoted number is accepted too. A string that is not a number decodes
// as NaN, which means no expiry.
type Hours float64

func (h *Hours) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			f = math.NaN()
		}
		*h = Hours(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*h = Hours(f)
	return nil
}

func (h *Hours) float() *float64 {
	if h == nil {
		return nil
	}
	f := float64(*h)
	return &f
}

type UpdateReq struct {
	Content string `json:"content"`
}
type MessageResp struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}
type PasteResp struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	IsOwner   bool   `json:"isOwner"`
	CreatedAt int64  `json:"createdAt"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req CreateReq
	if err := h.decode(w, r, &req); err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("invalid create request")
		writeErr(w, err, requestID)
		return
	}
	params := domain.CreateParams{
		Content:      req.Content,
		AutoDelete:   req.AutoDelete,
		ExpiryHours:  req.ExpiryHours.float(),
		Owner:        util.GetSession(r.Context()),
		ClientIPHash: h.clientIPHash(r),
		UserAgent:    r.UserAgent(),
	}
	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Bool("auto_delete", paste.AutoDelete).
		Str("request_id", requestID).
		Msg("paste created")
	writeJSON(w, http.StatusCreated, MessageResp{ID: paste.ID, Message: msgCreated})
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	res, err := h.paste.Read(r.Context(), id, util.GetSession(r.Context()))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, PasteResp{
		ID:        res.ID,
		Content:   res.Content,
		IsOwner:   res.IsOwner,
		CreatedAt: res.CreatedAt.UnixMilli(),
	})
}

func (h *Hdl) UpdatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	var req UpdateReq
	// An empty body is left to the store, which checks existence and
	// ownership before content.
	if err := h.decode(w, r, &req); err != nil && err != domain.ErrContentRequired {
		log.Warn().Err(err).Str("request_id", requestID).Msg("invalid update request")
		writeErr(w, err, requestID)
		return
	}
	if err := h.paste.Update(r.Context(), id, req.Content, util.GetSession(r.Context())); err != nil {
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, MessageResp{ID: id, Message: msgUpdated})
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.paste.Delete(r.Context(), id, util.GetSession(r.Context())); err != nil {
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, MessageResp{Message: msgDeleted})
}

func (h *Hdl) NotFound(w http.ResponseWriter, r *http.Request) {
	writeErr(w, domain.ErrEndpointNotFound, util.GetRequestID(r.Context()))
}

// decode reads a JSON body capped at twice the content limit, which leaves
// room for JSON escaping while still refusing absurd uploads early.
func (h *Hdl) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 2*h.cfg.MaxPasteSize)
	err := json.NewDecoder(r.Body).Decode(dst)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &tooLarge):
		return domain.ErrPasteTooLarge
	case errors.Is(err, io.EOF):
		return domain.ErrContentRequired
	default:
		return domain.ErrInvalidRequest
	}
}

func (h *Hdl) clientIPHash(r *http.Request) string {
	if h.ipHasher == nil {
		return ""
	}
	ip := h.lim.ClientIP(r)
	hash, err := h.ipHasher.HashIP(ip)
	if err != nil {
		util.Warn().Err(err).Str("ip", util.RedactIP(ip)).Msg("failed to hash client IP")
		return ""
	}
	return hash
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.Debug().Err(err).Msg("failed to write response")
	}
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	status := domain.Status(err)
	if status >= http.StatusInternalServerError {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("request failed")
	}
	writeJSON(w, status, domain.ToResp(err, requestID))
}
