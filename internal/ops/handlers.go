package ops

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ruleengine/internal/chains"
	"ruleengine/internal/engine"
	"ruleengine/internal/ingest"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/health"
	"ruleengine/pkg/jsoncodec"
	"ruleengine/pkg/models"
)

const (
	maxChainBodyBytes = 1 << 20
	headerChangedBy   = "X-Changed-By"
)

func (s *Server) handleError(c *gin.Context, err error) {
	status := apperrors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		s.logger.WarnwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, apperrors.ToErrorResponse(err))
}

func (s *Server) health(c *gin.Context) {
	h := s.opts.Health.Check(c.Request.Context())
	status := http.StatusOK
	if h.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

// ready reports whether this instance should receive traffic: the engine loop
// is running and no critical dependency is down.
func (s *Server) ready(c *gin.Context) {
	if !s.opts.Engine.Running() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "rule engine is not running"})
		return
	}
	h := s.opts.Health.Check(c.Request.Context())
	if h.Status == health.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": h.Checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "in_flight": s.opts.Engine.InFlight()})
}

type statsResponse struct {
	engine.Stats
	Partitions map[int]ingest.PartitionStats `json:"partitions,omitempty"`
}

// engineStats godoc
// @Summary      Engine statistics
// @Description  Tenant and chain actor counts, envelopes in flight and per-partition intake state
// @Tags         engine
// @Produce      json
// @Success      200  {object}  statsResponse
// @Failure      503  {object}  map[string]interface{}
// @Router       /engine/stats [get]
func (s *Server) engineStats(c *gin.Context) {
	stats, err := s.opts.Engine.Stats(c.Request.Context())
	if err != nil {
		s.handleError(c, err)
		return
	}
	resp := statsResponse{Stats: stats}
	if s.opts.Ingest != nil {
		resp.Partitions = s.opts.Ingest.Pending()
	}
	c.JSON(http.StatusOK, resp)
}

// breakers godoc
// @Summary      Circuit breaker states
// @Tags         engine
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /breakers [get]
func (s *Server) breakers(c *gin.Context) {
	resp := gin.H{
		"enabled": s.opts.Engine.Breakers().Enabled(),
		"nodes":   s.opts.Engine.Breakers().Snapshot(),
	}
	if s.opts.ServiceBreakers != nil {
		resp["services"] = s.opts.ServiceBreakers()
	}
	c.JSON(http.StatusOK, resp)
}

// listChains godoc
// @Summary      List rule chains
// @Description  Get all rule chains of a tenant
// @Tags         chains
// @Produce      json
// @Param        tenantId  path      string  true  "Tenant ID"
// @Success      200       {array}   models.ChainGraph
// @Failure      400       {object}  map[string]interface{}
// @Failure      500       {object}  map[string]interface{}
// @Router       /tenants/{tenantId}/chains [get]
func (s *Server) listChains(c *gin.Context) {
	tenantID, ok := s.uuidParam(c, "tenantId")
	if !ok {
		return
	}
	list, err := s.opts.Chains.ListChains(c.Request.Context(), tenantID)
	if err != nil {
		s.handleError(c, err)
		return
	}
	if list == nil {
		list = []*models.ChainGraph{}
	}
	c.JSON(http.StatusOK, list)
}

// getChain godoc
// @Summary      Get a rule chain by ID
// @Tags         chains
// @Produce      json
// @Param        tenantId  path      string  true  "Tenant ID"
// @Param        chainId   path      string  true  "Chain ID"
// @Success      200       {object}  models.ChainGraph
// @Failure      400       {object}  map[string]interface{}
// @Failure      404       {object}  map[string]interface{}
// @Router       /tenants/{tenantId}/chains/{chainId} [get]
func (s *Server) getChain(c *gin.Context) {
	tenantID, ok := s.uuidParam(c, "tenantId")
	if !ok {
		return
	}
	chainID, ok := s.uuidParam(c, "chainId")
	if !ok {
		return
	}
	graph, err := s.opts.Chains.LoadChain(c.Request.Context(), tenantID, chainID)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, graph)
}

// saveChain creates (POST) or replaces (PUT) a chain. The body is the JSON chain
// graph, or the YAML chain file format when the content type says so.
//
// @Summary      Create or replace a rule chain
// @Tags         chains
// @Accept       json,application/yaml
// @Produce      json
// @Param        tenantId  path      string             true   "Tenant ID"
// @Param        chainId   path      string             false  "Chain ID (PUT only)"
// @Param        chain     body      models.ChainGraph  true   "Rule chain"
// @Success      200       {object}  models.ChainGraph
// @Success      201       {object}  models.ChainGraph
// @Failure      400       {object}  map[string]interface{}
// @Failure      409       {object}  map[string]interface{}
// @Router       /tenants/{tenantId}/chains [post]
// @Router       /tenants/{tenantId}/chains/{chainId} [put]
func (s *Server) saveChain(c *gin.Context) {
	tenantID, ok := s.uuidParam(c, "tenantId")
	if !ok {
		return
	}

	graph, err := decodeChain(c)
	if err != nil {
		s.handleError(c, err)
		return
	}

	if graph.TenantID == uuid.Nil {
		graph.TenantID = tenantID
	}
	if graph.TenantID != tenantID {
		s.handleError(c, apperrors.ErrValidation.WithMessage("chain tenantId does not match the path"))
		return
	}

	created := c.Request.Method == http.MethodPost
	if created {
		if graph.ChainID == uuid.Nil {
			graph.ChainID = uuid.New()
		}
	} else {
		chainID, ok := s.uuidParam(c, "chainId")
		if !ok {
			return
		}
		if graph.ChainID == uuid.Nil {
			graph.ChainID = chainID
		}
		if graph.ChainID != chainID {
			s.handleError(c, apperrors.ErrValidation.WithMessage("chain id does not match the path"))
			return
		}
	}

	if err := s.opts.Validator.Check(graph); err != nil {
		s.handleError(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := s.opts.Chains.SaveChain(ctx, graph); err != nil {
		s.handleError(c, err)
		return
	}
	saved, err := s.opts.Chains.LoadChain(ctx, graph.TenantID, graph.ChainID)
	if err != nil {
		s.handleError(c, err)
		return
	}

	s.logger.InfowCtx(ctx, "Rule chain saved",
		"tenant_id", saved.TenantID.String(),
		"chain_id", saved.ChainID.String(),
		"version", saved.Version,
		"changed_by", c.GetHeader(headerChangedBy),
	)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, saved)
}

// deleteChain godoc
// @Summary      Delete a rule chain
// @Tags         chains
// @Param        tenantId  path      string  true  "Tenant ID"
// @Param        chainId   path      string  true  "Chain ID"
// @Success      204
// @Failure      404       {object}  map[string]interface{}
// @Router       /tenants/{tenantId}/chains/{chainId} [delete]
func (s *Server) deleteChain(c *gin.Context) {
	tenantID, ok := s.uuidParam(c, "tenantId")
	if !ok {
		return
	}
	chainID, ok := s.uuidParam(c, "chainId")
	if !ok {
		return
	}
	if err := s.opts.Chains.DeleteChain(c.Request.Context(), tenantID, chainID); err != nil {
		s.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteTenant godoc
// @Summary      Delete a tenant
// @Description  Delete every chain of the tenant and announce the deletion to all instances
// @Tags         tenants
// @Param        tenantId  path      string  true  "Tenant ID"
// @Success      204
// @Failure      503       {object}  map[string]interface{}
// @Router       /tenants/{tenantId} [delete]
func (s *Server) deleteTenant(c *gin.Context) {
	tenantID, ok := s.uuidParam(c, "tenantId")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	list, err := s.opts.Chains.ListChains(ctx, tenantID)
	if err != nil {
		s.handleError(c, err)
		return
	}
	for _, g := range list {
		if err := s.opts.Chains.DeleteChain(ctx, tenantID, g.ChainID); err != nil && !apperrors.IsNotFound(err) {
			s.handleError(c, err)
			return
		}
	}
	if err := s.opts.Tenants.PublishTenantDeleted(ctx, tenantID, c.GetHeader(headerChangedBy)); err != nil {
		s.handleError(c, apperrors.ErrServiceUnavailable.WithCause(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		s.handleError(c, apperrors.ErrValidation.WithMessage("invalid "+name).WithDetail("value", c.Param(name)))
		return uuid.Nil, false
	}
	return id, true
}

func decodeChain(c *gin.Context) (*models.ChainGraph, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxChainBodyBytes))
	if err != nil {
		return nil, apperrors.ErrValidation.WithMessage("failed to read request body").WithCause(err)
	}

	if strings.Contains(c.ContentType(), "yaml") {
		return chains.ParseChain(body)
	}

	var graph models.ChainGraph
	if err := jsoncodec.Unmarshal(body, &graph); err != nil {
		return nil, apperrors.ErrValidation.WithMessage("invalid chain JSON").WithCause(err)
	}
	return &graph, nil
}
