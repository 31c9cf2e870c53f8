package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/clicense/internal/logging"
	"github.com/mbd888/clicense/internal/validation"
)

// Handler provides HTTP endpoints for accounts and keys
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the account routes. me must already sit behind
// RequireAccount.
func (h *Handler) RegisterRoutes(public, me *gin.RouterGroup) {
	public.POST("/accounts", h.Register)
	public.GET("/auth/info", h.Info)
	me.GET("/accounts/me", h.GetCurrentAccount)
	me.GET("/accounts/me/keys", h.ListKeys)
	me.POST("/accounts/me/keys", h.CreateKey)
	me.DELETE("/accounts/me/keys/:keyId", h.RevokeKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":          "api_key",
		"header":        "Authorization: Bearer sk_...",
		"altHeader":     "X-API-Key: sk_...",
		"sessionHeader": SessionHeader,
		"note":          "Requests without an API key run as an anonymous session. Keep the X-Session-ID you are given and send it back.",
	})
}

// RegisterRequest is the request body for POST /v1/accounts
type RegisterRequest struct {
	Email string `json:"email"`
}

// Register creates an account and returns its first API key
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be JSON with an email field",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("email", req.Email),
		validation.Email("email", req.Email),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	rawKey, acct, err := h.manager.Register(c.Request.Context(), req.Email)
	switch {
	case errors.Is(err, ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken", "message": err.Error()})
		return
	case errors.Is(err, ErrInvalidEmail):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email", "message": err.Error()})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("account registration failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create account"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account": acct,
		"apiKey":  rawKey,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// GetCurrentAccount returns the authenticated account
func (h *Handler) GetCurrentAccount(c *gin.Context) {
	id := GetIdentity(c)
	key, _ := GetAPIKey(c)
	c.JSON(http.StatusOK, gin.H{
		"accountId": id.ID,
		"email":     id.Email,
		"keyId":     key.ID,
		"keyName":   key.Name,
	})
}

// ListKeys returns API keys for the authenticated account
func (h *Handler) ListKeys(c *gin.Context) {
	id := GetIdentity(c)
	keys, err := h.manager.ListKeys(c.Request.Context(), id.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey creates an additional API key
func (h *Handler) CreateKey(c *gin.Context) {
	id := GetIdentity(c)

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	req.Name = validation.SanitizeString(req.Name, 255)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), id.ID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create API key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes an API key
func (h *Handler) RevokeKey(c *gin.Context) {
	id := GetIdentity(c)
	key, _ := GetAPIKey(c)
	keyID := c.Param("keyId")

	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": ErrRevokeCurrentKey.Error(),
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, id.ID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}
