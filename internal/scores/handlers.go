package scores

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/occr/internal/chain"
	"github.com/mbd888/occr/internal/snapshot"
)

// Handler provides HTTP endpoints for scores.
type Handler struct {
	service *Service
}

// NewHandler creates a new scores handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public score endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/score", h.Compute)
	r.GET("/wallets/:address/score", h.GetScore)
	r.GET("/wallets/:address/score/history", h.GetHistory)
	r.GET("/wallets/:address/score/onchain", h.GetOnchain)
	r.GET("/wallets/:address/score/validate", h.ValidateOnchain)
}

// RegisterAdminRoutes sets up endpoints that trigger collection or
// transactions. The caller is responsible for admin auth on r.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:address/score/refresh", h.Refresh)
}

// Compute scores a snapshot supplied in the request body.
// POST /v1/score
func (h *Handler) Compute(c *gin.Context) {
	var in snapshot.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a wallet snapshot",
		})
		return
	}

	rec, err := h.service.Compute(c.Request.Context(), &in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": rec})
}

// GetScore returns the latest stored score.
// GET /v1/wallets/:address/score
func (h *Handler) GetScore(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": rec})
}

// GetHistory returns stored scores, newest first.
// GET /v1/wallets/:address/score/history?limit=&cursor=
func (h *Handler) GetHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxPageSize)
		}
	}

	page, err := h.service.History(c.Request.Context(), c.Param("address"), limit, c.Query("cursor"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := gin.H{
		"address": c.Param("address"),
		"scores":  page.Scores,
		"count":   len(page.Scores),
		"hasMore": page.HasMore,
	}
	if page.NextCursor != "" {
		resp["nextCursor"] = page.NextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// Refresh runs the pipeline for one wallet.
// POST /v1/wallets/:address/score/refresh?publish=true
func (h *Handler) Refresh(c *gin.Context) {
	publish := c.Query("publish") == "true"

	res, err := h.service.Refresh(c.Request.Context(), c.Param("address"), publish)
	if err != nil && errors.Is(err, ErrPublish) && res != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "publish_failed",
			"message": err.Error(),
			"score":   res.Record,
		})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetOnchain reads the score the contract holds.
// GET /v1/wallets/:address/score/onchain
func (h *Handler) GetOnchain(c *gin.Context) {
	score, err := h.service.Onchain(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"onchain": score})
}

// ValidateOnchain checks a wallet against a minimum on-chain score.
// GET /v1/wallets/:address/score/validate?min=
func (h *Handler) ValidateOnchain(c *gin.Context) {
	minScore, err := strconv.Atoi(c.DefaultQuery("min", "0"))
	if err != nil || minScore < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_min",
			"message": "min must be a non-negative integer",
		})
		return
	}

	ok, err := h.service.Validate(c.Request.Context(), c.Param("address"), minScore)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address": c.Param("address"),
		"min":     minScore,
		"valid":   ok,
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, chain.ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "score_not_found",
			"message": "No score recorded for this wallet",
		})
	case errors.Is(err, ErrChainDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "chain_disabled",
			"message": "On-chain scorer is not configured",
		})
	case errors.Is(err, chain.ErrRPCConnection), errors.Is(err, chain.ErrTimeout):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "chain_unavailable",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process score request",
		})
	}
}
