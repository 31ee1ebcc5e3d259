package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

type contextKey string

const ctxClaimsKey contextKey = "claims"

// WithClaims returns a context carrying the caller's claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxClaimsKey, c)
}

// ClaimsFromCtx returns the authenticated caller or nil.
func ClaimsFromCtx(ctx context.Context) *Claims {
	c, _ := ctx.Value(ctxClaimsKey).(*Claims)
	return c
}

type MeResponse struct {
	LmsUserID     int64    `json:"lms_user_id"`
	Email         string   `json:"email"`
	Administrator bool     `json:"administrator"`
	Roles         []string `json:"roles"`
}

type Handler struct {
	log *slog.Logger
}

func NewHandler(log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log}
}

// Me handles GET /auth/me and echoes the identity the API sees for the caller.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	c := ClaimsFromCtx(r.Context())
	if c == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	roles := c.Roles
	if roles == nil {
		roles = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(MeResponse{
		LmsUserID:     c.LmsUserID,
		Email:         c.Email,
		Administrator: c.Administrator,
		Roles:         roles,
	}); err != nil {
		h.log.Warn("encode identity", "error", err)
	}
}
