package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"call-orchestrator/internal/reporting"
)

type ReportHandlers struct {
	Reporting *reporting.Service
}

// CallsSummary serves aggregated call metrics for the dashboard. The range
// defaults to the last 24 hours.
func (h ReportHandlers) CallsSummary(c *gin.Context) {
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}

	now := time.Now().UTC()
	req := reporting.CallsSummaryRequest{
		Range:   reporting.TimeRange{From: now.Add(-24 * time.Hour), To: now},
		Purpose: c.Query("purpose"),
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		req.Range.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		req.Range.To = t
	}

	out, err := h.Reporting.CallsSummary(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}
	c.JSON(http.StatusOK, out)
}
