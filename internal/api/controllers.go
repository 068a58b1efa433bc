package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"execution-core/internal/positions"
	"execution-core/pkg/db"
)

func (s *Server) internalError(c *gin.Context, code string, err error) {
	s.logger.Error().Err(err).Str("code", code).Str("path", c.Request.URL.Path).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"code": code, "error": err.Error()})
}

func (s *Server) unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"code": "NOT_CONFIGURED", "error": what + " not configured"})
}

// getStatus summarizes the process for operators.
func (s *Server) getStatus(c *gin.Context) {
	ctx := c.Request.Context()
	resp := gin.H{
		"meta":       s.meta,
		"uptime_sec": int64(time.Since(s.meta.StartedAt).Seconds()),
	}
	if s.deps.Guard != nil {
		resp["guard"] = s.deps.Guard.Status(ctx)
	}
	if s.deps.Limiter != nil {
		resp["rate_limiter"] = s.deps.Limiter.Stats()
	}
	if s.deps.Cycles != nil {
		resp["reconciliation"] = s.deps.Cycles.Last()
	}
	if s.deps.Positions != nil {
		if all, err := s.deps.Positions.All(); err == nil {
			resp["open_positions"] = len(all)
		} else {
			resp["positions_error"] = err.Error()
		}
	}
	if s.deps.Ledger != nil {
		if open, err := s.deps.Ledger.ListOpen(ctx); err == nil {
			resp["open_orders"] = len(open)
		}
	}
	if s.deps.Alerts != nil {
		resp["alerts"] = s.deps.Alerts.List()
	}
	c.JSON(http.StatusOK, resp)
}

// getLastReconciliation prefers the in-process summary and falls back to
// the persisted audit row, e.g. for a process that has not cycled yet.
func (s *Server) getLastReconciliation(c *gin.Context) {
	if s.deps.Cycles != nil {
		if last := s.deps.Cycles.Last(); last != nil {
			c.JSON(http.StatusOK, gin.H{"source": "memory", "summary": last})
			return
		}
	}
	if s.deps.Runs == nil {
		s.unavailable(c, "reconciliation")
		return
	}
	run, err := s.deps.Runs.LastRun(c.Request.Context())
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NO_RUNS", "error": "no reconciliation cycle recorded"})
		return
	}
	if err != nil {
		s.internalError(c, "INTERNAL_ERROR", err)
		return
	}
	resp := gin.H{"source": "audit", "run": run}
	if json.Valid([]byte(run.Summary)) {
		resp["summary"] = json.RawMessage(run.Summary)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getPositions(c *gin.Context) {
	if s.deps.Positions == nil {
		s.unavailable(c, "position tracker")
		return
	}
	all, err := s.deps.Positions.All()
	if err != nil {
		s.positionError(c, err)
		return
	}
	list := make([]positions.Position, 0, len(all))
	for _, p := range all {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Symbol < list[j].Symbol })
	c.JSON(http.StatusOK, gin.H{"positions": list, "count": len(list)})
}

func (s *Server) getPosition(c *gin.Context) {
	if s.deps.Positions == nil {
		s.unavailable(c, "position tracker")
		return
	}
	symbol := normalizeSymbol(c.Param("symbol"))
	p, err := s.deps.Positions.GetPosition(symbol)
	if err != nil {
		s.positionError(c, err)
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "POSITION_NOT_FOUND", "error": "no tracked position for " + symbol})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) positionError(c *gin.Context, err error) {
	if errors.Is(err, positions.ErrCorruptStore) {
		s.internalError(c, "CORRUPT_STORE", err)
		return
	}
	s.internalError(c, "INTERNAL_ERROR", err)
}

// normalizeSymbol accepts BTC-USD and btcusd style path segments.
func normalizeSymbol(raw string) string {
	sym := strings.ToUpper(strings.ReplaceAll(raw, "-", "/"))
	if !strings.Contains(sym, "/") && len(sym) > 3 {
		for _, quote := range []string{"USDT", "USDC", "USD", "EUR"} {
			if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
				return sym[:len(sym)-len(quote)] + "/" + quote
			}
		}
	}
	return sym
}

func (s *Server) getPendingOrders(c *gin.Context) {
	if s.deps.Ledger == nil {
		s.unavailable(c, "ledger")
		return
	}
	open, err := s.deps.Ledger.ListOpen(c.Request.Context())
	if err != nil {
		s.internalError(c, "INTERNAL_ERROR", err)
		return
	}
	if open == nil {
		open = []db.ChildOrder{}
	}
	if t := c.Query("type"); t != "" {
		filtered := open[:0]
		for _, o := range open {
			if o.OrderType == t {
				filtered = append(filtered, o)
			}
		}
		open = filtered
	}
	c.JSON(http.StatusOK, gin.H{"orders": open, "count": len(open)})
}

func (s *Server) getExecutions(c *gin.Context) {
	if s.deps.Executions == nil {
		s.unavailable(c, "execution log")
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_LIMIT", "error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	rows, err := s.deps.Executions.Recent(c.Request.Context(), limit)
	if err != nil {
		s.internalError(c, "INTERNAL_ERROR", err)
		return
	}
	if rows == nil {
		rows = []db.ExecutedOrder{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": rows, "count": len(rows)})
}
