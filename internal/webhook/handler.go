package webhook

import (
	"encoding/json"
	"net/http"

	"reminder_calls_backend/platform/httpkit"
	"reminder_calls_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	errInvalidRequest = "invalid request body"
	errValidation     = "validation error"
)

// Handler handles webhook HTTP requests.
type Handler struct {
	service *Service
	val     *validator.Validator
}

// NewHandler creates a new webhook handler.
func NewHandler(service *Service, val *validator.Validator) *Handler {
	return &Handler{service: service, val: val}
}

// HandleCallEvent processes one vendor call event.
// POST /api/v1/webhook/calls
func (h *Handler) HandleCallEvent(c *gin.Context) {
	raw, _ := c.Get(ctxKeyBody)
	body, _ := raw.([]byte)
	verified := c.GetBool(ctxKeyVerified)

	var evt CallEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	if err := h.val.Struct(evt); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errValidation, err.Error())
		return
	}

	res, err := h.service.Ingest(c.Request.Context(), evt, body, verified)
	if httpkit.HandleError(c, err) {
		return
	}

	if res.Status == statusIgnored {
		c.JSON(http.StatusAccepted, res)
		return
	}
	httpkit.OK(c, res)
}
