package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/internal/api/response"
	"github.com/kiranshivaraju/csvforge/internal/apikey"
	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/kiranshivaraju/csvforge/pkg/models"
)

// KeyManager defines what the admin key handlers depend on.
type KeyManager interface {
	Create(ctx context.Context, clientID, name string, scopes []string) (string, *models.APIKey, error)
	List(ctx context.Context) ([]*models.APIKey, error)
	Revoke(ctx context.Context, id uuid.UUID) error
}

type createKeyRequest struct {
	ClientID string   `json:"client_id" validate:"required,max=128"`
	Name     string   `json:"name" validate:"required,max=128"`
	Scopes   []string `json:"scopes" validate:"dive,oneof=jobs admin"`
}

type createKeyResponse struct {
	*models.APIKey
	Key string `json:"key"`
}

// KeyHandlers serves /api/v1/admin/keys.
type KeyHandlers struct {
	keys      KeyManager
	validator *validator.Validate
}

func NewKeyHandlers(keys KeyManager) *KeyHandlers {
	return &KeyHandlers{keys: keys, validator: validator.New()}
}

// Create handles POST /api/v1/admin/keys. The raw key is only ever returned here.
func (h *KeyHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
			"Request validation failed", validationDetails(err))
		return
	}

	raw, key, err := h.keys.Create(r.Context(), req.ClientID, req.Name, req.Scopes)
	if err != nil {
		switch {
		case errors.Is(err, apikey.ErrInvalidClient), errors.Is(err, apikey.ErrInvalidScope):
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		default:
			writeError(w, r, err)
		}
		return
	}
	response.Created(w, createKeyResponse{APIKey: key, Key: raw})
}

// List handles GET /api/v1/admin/keys.
func (h *KeyHandlers) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	response.JSON(w, keys)
}

// Revoke handles DELETE /api/v1/admin/keys/{keyID}.
func (h *KeyHandlers) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyID must be a valid UUID", nil)
		return
	}
	if err := h.keys.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "API key not found", nil)
			return
		}
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}
