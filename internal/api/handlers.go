package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johnayoung/go-market-integrity/internal/models"
	"github.com/johnayoung/go-market-integrity/internal/validator"
)

func (h *handlers) health(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	status := http.StatusOK
	checks := make(map[string]string, len(h.HealthChecks))
	for name, hc := range h.HealthChecks {
		if err := hc.HealthCheck(c.Request.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	if c.Request.Method == http.MethodHead {
		c.Status(status)
		return
	}
	body := gin.H{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

type calendarDayResponse struct {
	Date               string     `json:"date"`
	Calendar           string     `json:"calendar"`
	IsTradingDay       bool       `json:"is_trading_day"`
	IsWeekend          bool       `json:"is_weekend"`
	IsHoliday          bool       `json:"is_holiday"`
	IsEarlyClose       bool       `json:"is_early_close"`
	SessionOpen        *time.Time `json:"session_open,omitempty"`
	SessionClose       *time.Time `json:"session_close,omitempty"`
	NextTradingDay     string     `json:"next_trading_day"`
	PreviousTradingDay string     `json:"previous_trading_day"`
}

func (h *handlers) calendarDay(c *gin.Context) {
	date, err := models.ParseDate(c.Param("date"))
	if err != nil {
		badRequest(c, err)
		return
	}
	cal := h.Calendar
	resp := calendarDayResponse{
		Date:               date.Format(time.DateOnly),
		Calendar:           cal.Name(),
		IsTradingDay:       cal.IsTradingDay(date),
		IsWeekend:          cal.IsWeekend(date),
		IsHoliday:          cal.IsHoliday(date),
		IsEarlyClose:       cal.IsEarlyClose(date),
		NextTradingDay:     cal.NextTradingDay(date).Format(time.DateOnly),
		PreviousTradingDay: cal.PreviousTradingDay(date).Format(time.DateOnly),
	}
	if open, closeAt, ok := cal.SessionBounds(date, false); ok {
		resp.SessionOpen, resp.SessionClose = &open, &closeAt
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) marketOpen(c *gin.Context) {
	at := h.Now()
	if raw := c.Query("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, err)
			return
		}
		at = parsed
	}
	extended, err := boolQuery(c, "extended")
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"at":       at.UTC().Format(time.RFC3339),
		"extended": extended,
		"open":     h.Calendar.IsMarketOpen(at, extended),
	})
}

func (h *handlers) universeAsOf(c *gin.Context) {
	indexID := c.Param("index")
	asOf, err := h.asOfQuery(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	tradeable, err := boolQuery(c, "tradeable")
	if err != nil {
		badRequest(c, err)
		return
	}

	body := gin.H{"index_id": indexID, "as_of": asOf.Format(time.DateOnly)}
	if tradeable {
		members, err := h.Resolver.TradeableAsOf(c.Request.Context(), indexID, asOf)
		if err != nil {
			h.internalError(c, err)
			return
		}
		body["count"], body["members"] = len(members), members
	} else {
		symbols, err := h.Resolver.UniverseAsOf(c.Request.Context(), indexID, asOf)
		if err != nil {
			h.internalError(c, err)
			return
		}
		body["count"], body["symbols"] = len(symbols), symbols
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) currentSymbol(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	current, err := h.Resolver.Tickers().ResolveToCurrentSymbol(c.Request.Context(), symbol)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "current_symbol": current})
}

func (h *handlers) historicalSymbol(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	asOf, err := h.asOfQuery(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	historical, err := h.Resolver.Tickers().ResolveToHistoricalSymbol(c.Request.Context(), symbol, asOf)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":            symbol,
		"as_of":             asOf.Format(time.DateOnly),
		"historical_symbol": historical,
	})
}

// ValidateRequest is the body of POST /v1/validate. Config fields present in
// the body override the server defaults; absent fields keep them.
type ValidateRequest struct {
	Candles []models.Candle   `json:"candles"`
	Config  *validator.Config `json:"config,omitempty"`
}

func (h *handlers) validate(c *gin.Context) {
	defaults := h.ValidationDefaults
	req := ValidateRequest{Config: &defaults}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cfg := h.ValidationDefaults
	if req.Config != nil {
		cfg = *req.Config
	}
	c.JSON(http.StatusOK, h.Validator.Validate(c.Request.Context(), req.Candles, cfg))
}

// asOfQuery reads as_of as a civil date, defaulting to today.
func (h *handlers) asOfQuery(c *gin.Context) (time.Time, error) {
	raw := c.Query("as_of")
	if raw == "" {
		return models.NormalizeDate(h.Now()), nil
	}
	return models.ParseDate(raw)
}

func boolQuery(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *handlers) internalError(c *gin.Context, err error) {
	h.logger.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
