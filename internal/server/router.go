package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/inkstone-studio/inkstone/storage/internal/document"
	"github.com/inkstone-studio/inkstone/storage/internal/property"
)

const clientNameContextKey = "inkstone_client_name"

var (
	errMissingSessionIssuer   = errors.New("session issuer dependency required")
	errMissingDocumentService = errors.New("document service dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// SessionIssuer grants and validates writer-session tokens.
type SessionIssuer interface {
	Issue(ctx context.Context, clientName string) (string, int64, error)
	Validate(token string) (string, error)
}

// Dependencies wires the HTTP surface to the open document.
type Dependencies struct {
	Sessions  SessionIssuer
	Documents *document.Service
	Logger    *zap.Logger
}

// NewHTTPHandler builds the router. Queries are open reads; mutating
// endpoints require a writer-session token.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionIssuer
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:  deps.Sessions,
		documents: deps.Documents,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/v1/session", handler.handleCreateSession)
	router.GET("/v1/layers", handler.handleListLayers)
	router.GET("/v1/layers/:layerGuid/elements", handler.handleElementsAt)
	router.GET("/v1/layers/:layerGuid/keyframes", handler.handleKeyframes)
	router.GET("/v1/properties", handler.handleProperties)
	router.GET("/v1/shapes/:shapeGuid/style", handler.handleShapeStyle)
	router.GET("/v1/edits", handler.handleEditRange)
	router.GET("/v1/view-state/:key", handler.handleReadViewState)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/v1/edits", handler.handleSubmitEdits)
	protected.PUT("/v1/view-state/:key", handler.handleWriteViewState)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	sessions  SessionIssuer
	documents *document.Service
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type sessionRequestPayload struct {
	ClientName string `json:"client_name"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ClientName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.sessions.Issue(c.Request.Context(), strings.TrimSpace(request.ClientName))
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type editsRequestPayload struct {
	Edits []document.Edit `json:"edits"`
}

type editReceiptPayload struct {
	EditID       int64  `json:"edit_id"`
	Applied      bool   `json:"applied"`
	RejectReason string `json:"reject_reason,omitempty"`
}

type editsResponsePayload struct {
	Receipts []editReceiptPayload `json:"receipts"`
}

// handleSubmitEdits submits a batch in order. Rejected edits stay in the
// batch: they are logged history and get a receipt like any other edit. Only
// edits that never reached the log abort the request.
func (h *httpHandler) handleSubmitEdits(c *gin.Context) {
	if c.GetString(clientNameContextKey) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request editsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Edits) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	response := editsResponsePayload{Receipts: make([]editReceiptPayload, 0, len(request.Edits))}
	for _, edit := range request.Edits {
		receipt, err := h.documents.SubmitEdit(c.Request.Context(), edit)
		if err != nil && receipt.EditID() == 0 {
			if errors.Is(err, document.ErrInvalidEdit) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_edit"})
				return
			}
			h.logger.Error("failed to submit edit", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "submit_failed"})
			return
		}
		response.Receipts = append(response.Receipts, editReceiptPayload{
			EditID:       receipt.EditID(),
			Applied:      receipt.Applied(),
			RejectReason: receipt.RejectReason(),
		})
	}

	c.JSON(http.StatusOK, response)
}

type layerPayload struct {
	LayerGUID     string `json:"layer_guid"`
	OrderIndex    int64  `json:"order_index"`
	KeyframeCount int64  `json:"keyframe_count"`
	ElementCount  int64  `json:"element_count"`
}

type layersResponsePayload struct {
	Layers []layerPayload `json:"layers"`
}

func (h *httpHandler) handleListLayers(c *gin.Context) {
	layers, err := h.documents.Layers(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list layers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	response := layersResponsePayload{Layers: make([]layerPayload, 0, len(layers))}
	for _, layer := range layers {
		response.Layers = append(response.Layers, layerPayload{
			LayerGUID:     layer.LayerGUID().String(),
			OrderIndex:    layer.OrderIndex(),
			KeyframeCount: layer.KeyframeCount(),
			ElementCount:  layer.ElementCount(),
		})
	}
	c.JSON(http.StatusOK, response)
}

type elementPayload struct {
	ShapeGUID       string            `json:"shape_guid"`
	Kind            string            `json:"kind"`
	Geometry        document.Geometry `json:"geometry"`
	AttachTimeNanos int64             `json:"attach_time_ns"`
	OrderIndex      int64             `json:"order_index"`
	ParentGroup     string            `json:"parent_group,omitempty"`
}

type elementsResponsePayload struct {
	Elements []elementPayload `json:"elements"`
}

func (h *httpHandler) handleElementsAt(c *gin.Context) {
	layerGUID, err := document.NewLayerGUID(c.Param("layerGuid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_layer_guid"})
		return
	}
	when, ok := parseTimeParam(c, "time", 0)
	if !ok {
		return
	}

	elements, err := h.documents.ElementsAt(c.Request.Context(), layerGUID, when)
	if err != nil {
		h.respondQueryError(c, "failed to query elements", err)
		return
	}

	response := elementsResponsePayload{Elements: make([]elementPayload, 0, len(elements))}
	for _, element := range elements {
		payload := elementPayload{
			ShapeGUID:       element.ShapeGUID().String(),
			Kind:            element.Kind().String(),
			Geometry:        element.Geometry(),
			AttachTimeNanos: element.AttachTime().Nanos(),
			OrderIndex:      element.OrderIndex(),
		}
		if parent, grouped := element.ParentGroup(); grouped {
			payload.ParentGroup = parent.String()
		}
		response.Elements = append(response.Elements, payload)
	}
	c.JSON(http.StatusOK, response)
}

type keyframesResponsePayload struct {
	KeyframesNanos []int64 `json:"keyframes_ns"`
}

func (h *httpHandler) handleKeyframes(c *gin.Context) {
	layerGUID, err := document.NewLayerGUID(c.Param("layerGuid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_layer_guid"})
		return
	}
	from, ok := parseTimeParam(c, "from", 0)
	if !ok {
		return
	}
	to, ok := parseTimeParam(c, "to", math.MaxInt64)
	if !ok {
		return
	}

	keyframes, err := h.documents.KeyframesIn(c.Request.Context(), layerGUID, from, to)
	if err != nil {
		h.respondQueryError(c, "failed to query keyframes", err)
		return
	}

	response := keyframesResponsePayload{KeyframesNanos: make([]int64, 0, len(keyframes))}
	for _, keyframe := range keyframes {
		response.KeyframesNanos = append(response.KeyframesNanos, keyframe.Nanos())
	}
	c.JSON(http.StatusOK, response)
}

type propertiesResponsePayload struct {
	Properties map[string]property.Value `json:"properties"`
}

func (h *httpHandler) handleProperties(c *gin.Context) {
	owner, ok := parseOwnerParams(c)
	if !ok {
		return
	}

	values, err := h.documents.PropertiesOf(c.Request.Context(), owner)
	if err != nil {
		h.respondQueryError(c, "failed to query properties", err)
		return
	}
	c.JSON(http.StatusOK, propertiesResponsePayload{Properties: values})
}

func (h *httpHandler) handleShapeStyle(c *gin.Context) {
	shapeGUID, err := document.NewShapeGUID(c.Param("shapeGuid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_shape_guid"})
		return
	}

	style, err := h.documents.ShapeStyle(c.Request.Context(), shapeGUID)
	if err != nil {
		h.respondQueryError(c, "failed to query shape style", err)
		return
	}
	c.JSON(http.StatusOK, propertiesResponsePayload{Properties: style})
}

type loggedEditPayload struct {
	EditID           int64         `json:"edit_id"`
	CommittedAtNanos int64         `json:"committed_at_ns"`
	Applied          bool          `json:"applied"`
	RejectReason     string        `json:"reject_reason,omitempty"`
	Edit             document.Edit `json:"edit"`
}

type editRangeResponsePayload struct {
	Edits []loggedEditPayload `json:"edits"`
}

func (h *httpHandler) handleEditRange(c *gin.Context) {
	from, ok := parseIntParam(c, "from", 1)
	if !ok {
		return
	}
	to, ok := parseIntParam(c, "to", 0)
	if !ok {
		return
	}
	if to == 0 {
		count, err := h.documents.EditCount(c.Request.Context())
		if err != nil {
			h.logger.Error("failed to count edits", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
			return
		}
		to = count + 1
	}

	logged, err := h.documents.ReadEditRange(c.Request.Context(), from, to)
	if err != nil {
		h.respondQueryError(c, "failed to read edit range", err)
		return
	}

	response := editRangeResponsePayload{Edits: make([]loggedEditPayload, 0, len(logged))}
	for _, entry := range logged {
		response.Edits = append(response.Edits, loggedEditPayload{
			EditID:           entry.EditID(),
			CommittedAtNanos: entry.CommittedAt().UnixNano(),
			Applied:          entry.Applied(),
			RejectReason:     entry.RejectReason(),
			Edit:             entry.Edit(),
		})
	}
	c.JSON(http.StatusOK, response)
}

type viewStatePayload struct {
	Key   string             `json:"key"`
	Value property.ViewValue `json:"value"`
}

func (h *httpHandler) handleReadViewState(c *gin.Context) {
	key := c.Param("key")
	value, found, err := h.documents.ViewState(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, document.ErrInvalidKey) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key"})
			return
		}
		h.logger.Error("failed to read view state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, viewStatePayload{Key: key, Value: value})
}

type writeViewStatePayload struct {
	Value property.ViewValue `json:"value"`
}

func (h *httpHandler) handleWriteViewState(c *gin.Context) {
	if c.GetString(clientNameContextKey) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	key := c.Param("key")
	var request writeViewStatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.documents.SetViewState(c.Request.Context(), key, request.Value); err != nil {
		if errors.Is(err, document.ErrInvalidKey) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key"})
			return
		}
		h.logger.Error("failed to write view state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}
	c.JSON(http.StatusOK, viewStatePayload{Key: key, Value: request.Value})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	clientName, err := h.sessions.Validate(token)
	if err != nil {
		// Expired tokens are routine client churn, not a fault worth a warning.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(clientNameContextKey, clientName)
	c.Next()
}

func (h *httpHandler) respondQueryError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, document.ErrLayerNotFound),
		errors.Is(err, document.ErrShapeNotFound),
		errors.Is(err, document.ErrBrushNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, document.ErrAmbiguousProperty):
		c.JSON(http.StatusConflict, gin.H{"error": "ambiguous_property"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
	}
}

func parseIntParam(c *gin.Context, name string, fallback int64) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return 0, false
	}
	return value, true
}

func parseTimeParam(c *gin.Context, name string, fallback int64) (document.FrameTime, bool) {
	nanos, ok := parseIntParam(c, name, fallback)
	if !ok {
		return 0, false
	}
	when, err := document.NewFrameTime(nanos)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return 0, false
	}
	return when, true
}

func parseOwnerParams(c *gin.Context) (document.OwnerRef, bool) {
	ownerKind := strings.ToLower(strings.TrimSpace(c.DefaultQuery("owner", "document")))
	guid := c.Query("guid")
	switch document.OwnerKind(ownerKind) {
	case document.OwnerDocument:
		return document.DocumentOwner(), true
	case document.OwnerLayer:
		layerGUID, err := document.NewLayerGUID(guid)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_guid"})
			return document.OwnerRef{}, false
		}
		return document.LayerOwner(layerGUID), true
	case document.OwnerShape:
		shapeGUID, err := document.NewShapeGUID(guid)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_guid"})
			return document.OwnerRef{}, false
		}
		return document.ShapeOwner(shapeGUID), true
	case document.OwnerBrush:
		brushGUID, err := document.NewBrushGUID(guid)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_guid"})
			return document.OwnerRef{}, false
		}
		return document.BrushOwner(brushGUID), true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_owner"})
		return document.OwnerRef{}, false
	}
}
