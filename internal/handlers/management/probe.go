package management

import (
	"errors"
	"net/http"
	"time"

	hcommon "gemchat-go/internal/handlers/common"
	"gemchat-go/internal/keypool"

	"github.com/gin-gonic/gin"
)

type probeRequest struct {
	Model      string `json:"model"`
	Attempts   int    `json:"attempts"`
	TimeoutSec int    `json:"timeout_sec"`
	Prompt     string `json:"prompt"`
}

// TestKeys probes every key against a scratch health state and returns
// the ordered results. The live pool is untouched; removal is a
// separate, explicit operation.
func (h *Handler) TestKeys(c *gin.Context) {
	var req probeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			hcommon.AbortWithError(c, http.StatusBadRequest, "invalid_request", "invalid json: "+err.Error())
			return
		}
	}

	opts := keypool.ProbeOptions{
		Model:    req.Model,
		Attempts: req.Attempts,
		Prompt:   req.Prompt,
	}
	if req.TimeoutSec > 0 {
		opts.Timeout = time.Duration(req.TimeoutSec) * time.Second
	}

	run, err := h.d.TestKeys(c.Request.Context(), opts)
	if err != nil {
		hcommon.AbortWithError(c, http.StatusInternalServerError, "probe_aborted", err.Error())
		return
	}
	c.JSON(http.StatusOK, run)
}

// LastProbe returns the most recent probe run, including one restored
// from the state store after a restart. Restored runs carry a marker;
// they report history but cannot drive a removal.
func (h *Handler) LastProbe(c *gin.Context) {
	run := h.d.LastProbe()
	if run == nil {
		hcommon.AbortWithError(c, http.StatusNotFound, "no_probe", "no key test has run yet")
		return
	}
	c.JSON(http.StatusOK, run)
}

type removeInvalidRequest struct {
	Filter string `json:"filter"`
}

// RemoveInvalid drops keys the last probe marked invalid. The operation
// is rejected when no probe has run or when the pool changed since the
// probe, so a removal only ever acts on results the operator has seen.
func (h *Handler) RemoveInvalid(c *gin.Context) {
	var req removeInvalidRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			hcommon.AbortWithError(c, http.StatusBadRequest, "invalid_request", "invalid json: "+err.Error())
			return
		}
	}
	if req.Filter == "" {
		req.Filter = string(keypool.RemovePermanentOnly)
	}
	filter, err := keypool.ParseRemoveFilter(req.Filter)
	if err != nil {
		hcommon.AbortWithError(c, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	report, err := h.d.RemoveInvalid(filter, h.d.LastProbe())
	if err != nil {
		var stale *keypool.StaleProbeError
		switch {
		case errors.Is(err, keypool.ErrNoProbe):
			hcommon.AbortWithError(c, http.StatusBadRequest, "no_probe", "run a key test first")
		case errors.As(err, &stale):
			hcommon.AbortWithError(c, http.StatusConflict, "stale_probe", err.Error())
		default:
			hcommon.AbortWithError(c, http.StatusInternalServerError, "remove_failed", err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, report)
}
