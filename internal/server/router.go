package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/veridoc/engine/internal/analytics"
	"github.com/veridoc/engine/internal/docstatus"
	"github.com/veridoc/engine/internal/ledger"
	"github.com/veridoc/engine/internal/metadata"
	"github.com/veridoc/engine/internal/registry"
	"github.com/veridoc/engine/internal/verify"
	"go.uber.org/zap"
)

const (
	requestIDHeader     = "X-Request-Id"
	requestIDContextKey = "veridoc_request_id"

	recentDocumentCount = 5
)

var (
	errMissingVerifier   = errors.New("verifier dependency required")
	errMissingAggregator = errors.New("aggregator dependency required")
	errMissingEvents     = errors.New("event source dependency required")
)

// Verifier answers single-credential verification queries.
type Verifier interface {
	Verify(ctx context.Context, pointer string) (verify.Result, error)
}

// Aggregator computes dashboard and summary statistics.
type Aggregator interface {
	DashboardView(ctx context.Context, months, limit int) analytics.Dashboard
	DocumentSummary(ctx context.Context, filter ledger.EventFilter) (analytics.Summary, error)
}

// TotalSource reads the ledger's issuance counter.
type TotalSource interface {
	TotalIssued(ctx context.Context) (uint64, error)
}

// EventSubscriber yields live ledger events until unsubscribed.
type EventSubscriber interface {
	Subscribe(ctx context.Context) (<-chan ledger.Event, func())
}

// Dependencies wires the engine's components into the HTTP surface.
type Dependencies struct {
	Verifier   Verifier
	Aggregator Aggregator
	Events     ledger.EventSource
	Totals     TotalSource
	Metadata   docstatus.MetadataSource
	Subscriber EventSubscriber
	Logger     *zap.Logger
}

// NewHTTPHandler builds the engine's HTTP API. Endpoints are read-only and
// unauthenticated; the engine reports derived facts, it does not gate who
// may ask for them.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Aggregator == nil {
		return nil, errMissingAggregator
	}
	if deps.Events == nil {
		return nil, errMissingEvents
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:   deps.Verifier,
		aggregator: deps.Aggregator,
		events:     deps.Events,
		totals:     deps.Totals,
		metadata:   deps.Metadata,
		subscriber: deps.Subscriber,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealthz)
	router.GET("/verify", handler.handleVerify)
	router.GET("/organizations", handler.handleOrganizations)
	router.GET("/documents/summary", handler.handleDocumentSummary)
	router.GET("/analytics", handler.handleAnalytics)
	router.GET("/dashboard", handler.handleDashboard)
	router.GET("/events/stream", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	verifier   Verifier
	aggregator Aggregator
	events     ledger.EventSource
	totals     TotalSource
	metadata   docstatus.MetadataSource
	subscriber EventSubscriber
	logger     *zap.Logger
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

func (h *httpHandler) requestLogger(c *gin.Context) *zap.Logger {
	if requestID, ok := c.Get(requestIDContextKey); ok {
		if id, ok := requestID.(string); ok {
			return h.logger.With(zap.String("request_id", id))
		}
	}
	return h.logger
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type verifyResponsePayload struct {
	State     string           `json:"state"`
	TokenID   *uint64          `json:"token_id,omitempty"`
	Issuer    string           `json:"issuer,omitempty"`
	Holder    string           `json:"holder,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	Document  *documentPayload `json:"document,omitempty"`
}

type documentPayload struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	File        string               `json:"file"`
	IssuedAt    *time.Time           `json:"issued_at,omitempty"`
	Expiry      string               `json:"expiry"`
	Attributes  []metadata.Attribute `json:"attributes,omitempty"`
}

func (h *httpHandler) handleVerify(c *gin.Context) {
	pointer := strings.TrimSpace(c.Query("pointer"))
	if pointer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_pointer"})
		return
	}

	result, err := h.verifier.Verify(c.Request.Context(), pointer)
	if err != nil {
		h.requestLogger(c).Error("verification failed", zap.String("pointer", pointer), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable"})
		return
	}

	payload := verifyResponsePayload{State: string(result.State)}
	if result.State != verify.StateInvalid {
		tokenID := result.TokenID
		payload.TokenID = &tokenID
		payload.Issuer = result.Issuer.Hex()
		payload.Holder = result.Holder.Hex()
		if !result.ExpiresAt.IsZero() {
			expiresAt := result.ExpiresAt
			payload.ExpiresAt = &expiresAt
		}
		if result.Document != nil {
			payload.Document = toDocumentPayload(*result.Document)
		}
	}
	c.JSON(http.StatusOK, payload)
}

func toDocumentPayload(record metadata.Record) *documentPayload {
	payload := &documentPayload{
		Name:        record.Name,
		Description: record.Description,
		File:        record.File,
		Expiry:      string(record.Expiry),
		Attributes:  record.Attributes,
	}
	if !record.IssuedAt.IsZero() {
		issuedAt := record.IssuedAt
		payload.IssuedAt = &issuedAt
	}
	return payload
}

type organizationPayload struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Active  bool   `json:"active"`
}

func (h *httpHandler) handleOrganizations(c *gin.Context) {
	reg, err := h.foldRegistry(c.Request.Context())
	if err != nil {
		h.requestLogger(c).Error("organization snapshot failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable"})
		return
	}

	records := reg.Active()
	if c.Query("all") == "true" {
		records = reg.All()
	}

	payload := make([]organizationPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, organizationPayload{
			Address: record.Address.Hex(),
			Name:    record.Name,
			Active:  record.Active,
		})
	}
	c.JSON(http.StatusOK, gin.H{"organizations": payload})
}

func (h *httpHandler) foldRegistry(ctx context.Context) (*registry.Registry, error) {
	added, err := h.events.QueryEvents(ctx, ledger.EventOrganizationAdded, ledger.EventFilter{})
	if err != nil {
		return nil, err
	}
	removed, err := h.events.QueryEvents(ctx, ledger.EventOrganizationRemoved, ledger.EventFilter{})
	if err != nil {
		return nil, err
	}
	return registry.Fold(ledger.MergeByPosition(added, removed)), nil
}

func (h *httpHandler) handleDocumentSummary(c *gin.Context) {
	filter := ledger.EventFilter{}
	if org := strings.TrimSpace(c.Query("org")); org != "" {
		if !common.IsHexAddress(org) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_org_address"})
			return
		}
		filter = ledger.FilterByOrg(common.HexToAddress(org))
	}

	summary, err := h.aggregator.DocumentSummary(c.Request.Context(), filter)
	if err != nil {
		h.requestLogger(c).Error("document summary failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleAnalytics(c *gin.Context) {
	months := intQuery(c, "months", analytics.DefaultMonths)
	limit := intQuery(c, "limit", analytics.DefaultTimelineLimit)

	dashboard := h.aggregator.DashboardView(c.Request.Context(), months, limit)
	c.JSON(http.StatusOK, dashboard)
}

type recentDocumentPayload struct {
	TokenID  uint64           `json:"token_id"`
	Org      string           `json:"org"`
	Pointer  string           `json:"pointer"`
	Document *documentPayload `json:"document,omitempty"`
}

func (h *httpHandler) handleDashboard(c *gin.Context) {
	ctx := c.Request.Context()
	logger := h.requestLogger(c)

	issued, err := h.events.QueryEvents(ctx, ledger.EventDocumentIssued, ledger.EventFilter{})
	if err != nil {
		logger.Error("dashboard event query failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable"})
		return
	}

	totalDocuments := uint64(len(issued))
	if h.totals != nil {
		if total, err := h.totals.TotalIssued(ctx); err == nil {
			totalDocuments = total
		} else {
			logger.Warn("total supply lookup failed, using event count", zap.Error(err))
		}
	}

	totalOrganizations := 0
	if reg, err := h.foldRegistry(ctx); err == nil {
		totalOrganizations = reg.Len()
	} else {
		logger.Warn("organization count degraded", zap.Error(err))
	}

	recent := make([]recentDocumentPayload, 0, recentDocumentCount)
	for i := len(issued) - 1; i >= 0 && len(recent) < recentDocumentCount; i-- {
		event := issued[i]
		entry := recentDocumentPayload{
			TokenID: event.TokenID,
			Org:     event.Org.Hex(),
			Pointer: event.Pointer,
		}
		if h.metadata != nil {
			if record, err := h.metadata.Fetch(ctx, event.Pointer); err == nil {
				entry.Document = toDocumentPayload(record)
			}
		}
		recent = append(recent, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"total_documents":     totalDocuments,
		"total_organizations": totalOrganizations,
		"recent":              recent,
	})
}

type streamEventPayload struct {
	Kind      string    `json:"kind"`
	Position  string    `json:"position"`
	Org       string    `json:"org"`
	Recipient string    `json:"recipient,omitempty"`
	TokenID   uint64    `json:"token_id,omitempty"`
	Pointer   string    `json:"pointer,omitempty"`
	OrgName   string    `json:"org_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	if h.subscriber == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream_unavailable"})
		return
	}

	stream, unsubscribe := h.subscriber.Subscribe(c.Request.Context())
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			payload := streamEventPayload{
				Kind:      string(event.Kind),
				Position:  event.Position.String(),
				Org:       event.Org.Hex(),
				TokenID:   event.TokenID,
				Pointer:   event.Pointer,
				OrgName:   event.OrgName,
				Timestamp: event.Timestamp,
			}
			if event.Kind == ledger.EventDocumentIssued {
				payload.Recipient = event.Recipient.Hex()
			}
			c.SSEvent("ledger-event", payload)
			return true
		}
	})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
