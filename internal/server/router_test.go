package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/inkstone-studio/inkstone/storage/internal/database"
	"github.com/inkstone-studio/inkstone/storage/internal/document"
	"github.com/inkstone-studio/inkstone/storage/internal/session"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handle, err := database.Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open document: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := handle.Close(); closeErr != nil {
			t.Errorf("failed to close document: %v", closeErr)
		}
	})

	documents := document.NewService(document.ServiceConfig{
		Database: handle.DB(),
		Logger:   zap.NewNop(),
	})
	sessions := session.NewIssuer(session.IssuerConfig{
		SigningSecret: []byte("router-test-secret"),
	})

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:  sessions,
		Documents: documents,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	return handler
}

func issueTestToken(t *testing.T, handler http.Handler) string {
	t.Helper()
	body := `{"client_name":"router-test"}`
	request := httptest.NewRequest(http.MethodPost, "/v1/session", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("failed to issue session: status %d body %s", recorder.Code, recorder.Body.String())
	}
	var response sessionResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode session response: %v", err)
	}
	if response.AccessToken == "" || response.TokenType != "Bearer" {
		t.Fatalf("unexpected session response: %+v", response)
	}
	return response.AccessToken
}

func submitTestEdits(t *testing.T, handler http.Handler, token string, editsJSON string) editsResponsePayload {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, "/v1/edits", strings.NewReader(editsJSON))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("failed to submit edits: status %d body %s", recorder.Code, recorder.Body.String())
	}
	var response editsResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode edits response: %v", err)
	}
	return response
}

func TestHealthEndpointRespondsOK(t *testing.T) {
	handler := newTestRouter(t)

	request := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
}

func TestSubmitEditsRequiresToken(t *testing.T) {
	handler := newTestRouter(t)

	body := `{"edits":[{"kind":"add_layer","layer":"11111111-1111-1111-1111-111111111111"}]}`
	request := httptest.NewRequest(http.MethodPost, "/v1/edits", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, recorder.Code)
	}
}

func TestSessionEndpointRejectsEmptyClientName(t *testing.T) {
	handler := newTestRouter(t)

	request := httptest.NewRequest(http.MethodPost, "/v1/session", strings.NewReader(`{"client_name":"  "}`))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, recorder.Code)
	}
}

func TestSubmitEditsReturnsReceiptsInOrder(t *testing.T) {
	handler := newTestRouter(t)
	token := issueTestToken(t, handler)

	layerGUID := "21111111-1111-1111-1111-111111111111"
	shapeGUID := "22222222-2222-2222-2222-222222222222"
	body := fmt.Sprintf(`{"edits":[
		{"kind":"add_layer","layer":%q},
		{"kind":"add_keyframe","layer":%q,"time_ns":0},
		{"kind":"add_element","layer":%q,"shape":%q,"time_ns":0,
		 "geometry":{"kind":"rectangle","min":{"x":0,"y":0},"max":{"x":10,"y":10}}}
	]}`, layerGUID, layerGUID, layerGUID, shapeGUID)

	response := submitTestEdits(t, handler, token, body)

	if len(response.Receipts) != 3 {
		t.Fatalf("expected 3 receipts, got %d", len(response.Receipts))
	}
	for index, receipt := range response.Receipts {
		if receipt.EditID != int64(index+1) {
			t.Fatalf("receipt %d has edit id %d", index, receipt.EditID)
		}
		if !receipt.Applied {
			t.Fatalf("receipt %d not applied: %s", index, receipt.RejectReason)
		}
	}
}

func TestSubmitEditsReportsRejectionInReceipt(t *testing.T) {
	handler := newTestRouter(t)
	token := issueTestToken(t, handler)

	// Keyframe on a layer that was never added: rejected but logged.
	body := `{"edits":[{"kind":"remove_keyframe","layer":"31111111-1111-1111-1111-111111111111","time_ns":0}]}`
	response := submitTestEdits(t, handler, token, body)

	if len(response.Receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(response.Receipts))
	}
	receipt := response.Receipts[0]
	if receipt.Applied {
		t.Fatalf("expected rejected receipt, got applied")
	}
	if receipt.RejectReason != "layer_not_found" {
		t.Fatalf("unexpected reject reason: %q", receipt.RejectReason)
	}
	if receipt.EditID != 1 {
		t.Fatalf("rejected edit should still be logged, got edit id %d", receipt.EditID)
	}
}

func TestSubmitEditsRejectsMalformedEdit(t *testing.T) {
	handler := newTestRouter(t)
	token := issueTestToken(t, handler)

	body := `{"edits":[{"kind":"add_layer"}]}`
	request := httptest.NewRequest(http.MethodPost, "/v1/edits", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d body %s", http.StatusBadRequest, recorder.Code, recorder.Body.String())
	}
	expected := `{"error":"invalid_edit"}`
	if recorder.Body.String() != expected {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestElementsEndpointReturnsVisibleShapes(t *testing.T) {
	handler := newTestRouter(t)
	token := issueTestToken(t, handler)

	layerGUID := "41111111-1111-1111-1111-111111111111"
	shapeGUID := "42222222-2222-2222-2222-222222222222"
	body := fmt.Sprintf(`{"edits":[
		{"kind":"add_layer","layer":%q},
		{"kind":"add_keyframe","layer":%q,"time_ns":0},
		{"kind":"add_element","layer":%q,"shape":%q,"time_ns":0,
		 "geometry":{"kind":"ellipse","min":{"x":1,"y":2},"max":{"x":5,"y":6}}}
	]}`, layerGUID, layerGUID, layerGUID, shapeGUID)
	submitTestEdits(t, handler, token, body)

	request := httptest.NewRequest(http.MethodGet, "/v1/layers/"+layerGUID+"/elements?time=0", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d body %s", http.StatusOK, recorder.Code, recorder.Body.String())
	}
	var response elementsResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode elements response: %v", err)
	}
	if len(response.Elements) != 1 {
		t.Fatalf("expected 1 element, got %d", len(response.Elements))
	}
	element := response.Elements[0]
	if element.ShapeGUID != shapeGUID {
		t.Fatalf("unexpected shape guid: %q", element.ShapeGUID)
	}
	if element.Kind != "ellipse" {
		t.Fatalf("unexpected shape kind: %q", element.Kind)
	}
}

func TestElementsEndpointRejectsUnknownLayer(t *testing.T) {
	handler := newTestRouter(t)

	request := httptest.NewRequest(http.MethodGet, "/v1/layers/51111111-1111-1111-1111-111111111111/elements", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, recorder.Code)
	}
}

func TestLayersEndpointListsOutline(t *testing.T) {
	handler := newTestRouter(t)
	token := issueTestToken(t, handler)

	first := "61111111-1111-1111-1111-111111111111"
	second := "62222222-2222-2222-2222-222222222222"
	body := fmt.Sprintf(`{"edits":[
		{"kind":"add_layer","layer":%q},
		{"kind":"add_layer","layer":%q}
	]}`, first, second)
	submitTestEdits(t, handler, token, body)

	request := httptest.NewRequest(http.MethodGet, "/v1/layers", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	var response layersResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode layers response: %v", err)
	}
	if len(response.Layers) != 2 {
		t.Fatalf("expected 2 layers, got %d", len(response.Layers))
	}
	if response.Layers[0].LayerGUID != first || response.Layers[1].LayerGUID != second {
		t.Fatalf("layers out of order: %+v", response.Layers)
	}
}

func TestViewStateRoundTripOverHTTP(t *testing.T) {
	handler := newTestRouter(t)
	token := issueTestToken(t, handler)

	writeBody := `{"value":{"type":"string","string":"timeline"}}`
	writeRequest := httptest.NewRequest(http.MethodPut, "/v1/view-state/active_tool", strings.NewReader(writeBody))
	writeRequest.Header.Set("Content-Type", "application/json")
	writeRequest.Header.Set("Authorization", "Bearer "+token)
	writeRecorder := httptest.NewRecorder()
	handler.ServeHTTP(writeRecorder, writeRequest)

	if writeRecorder.Code != http.StatusOK {
		t.Fatalf("failed to write view state: status %d body %s", writeRecorder.Code, writeRecorder.Body.String())
	}

	readRequest := httptest.NewRequest(http.MethodGet, "/v1/view-state/active_tool", http.NoBody)
	readRecorder := httptest.NewRecorder()
	handler.ServeHTTP(readRecorder, readRequest)

	if readRecorder.Code != http.StatusOK {
		t.Fatalf("failed to read view state: status %d body %s", readRecorder.Code, readRecorder.Body.String())
	}
	var response viewStatePayload
	if err := json.Unmarshal(readRecorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode view state response: %v", err)
	}
	if response.Value.Str() != "timeline" {
		t.Fatalf("unexpected view state value: %+v", response.Value)
	}
}

func TestViewStateReadReportsMissingKey(t *testing.T) {
	handler := newTestRouter(t)

	request := httptest.NewRequest(http.MethodGet, "/v1/view-state/never_written", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, recorder.Code)
	}
}

func TestEditRangeEndpointReturnsLog(t *testing.T) {
	handler := newTestRouter(t)
	token := issueTestToken(t, handler)

	layerGUID := "71111111-1111-1111-1111-111111111111"
	body := fmt.Sprintf(`{"edits":[
		{"kind":"add_layer","layer":%q},
		{"kind":"add_keyframe","layer":%q,"time_ns":41666666}
	]}`, layerGUID, layerGUID)
	submitTestEdits(t, handler, token, body)

	request := httptest.NewRequest(http.MethodGet, "/v1/edits?from=1", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d body %s", http.StatusOK, recorder.Code, recorder.Body.String())
	}
	var response editRangeResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode edit range response: %v", err)
	}
	if len(response.Edits) != 2 {
		t.Fatalf("expected 2 logged edits, got %d", len(response.Edits))
	}
	if response.Edits[0].Edit.Kind != document.EditAddLayer {
		t.Fatalf("unexpected first edit kind: %q", response.Edits[0].Edit.Kind)
	}
	if !response.Edits[1].Applied {
		t.Fatalf("expected second edit applied")
	}
}

func TestPropertiesEndpointMapsAmbiguityToConflict(t *testing.T) {
	handler := newTestRouter(t)

	// A bad owner kind is a client error, not a lookup miss.
	request := httptest.NewRequest(http.MethodGet, "/v1/properties?owner=palette", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, recorder.Code)
	}
}

func TestPropertiesEndpointReadsDocumentProperties(t *testing.T) {
	handler := newTestRouter(t)
	token := issueTestToken(t, handler)

	body := `{"edits":[{"kind":"set_property","owner":{"kind":"document"},"property":"frame_rate","value":{"type":"int","int":30}}]}`
	submitTestEdits(t, handler, token, body)

	request := httptest.NewRequest(http.MethodGet, "/v1/properties?owner=document", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d body %s", http.StatusOK, recorder.Code, recorder.Body.String())
	}
	var response propertiesResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode properties response: %v", err)
	}
	value, found := response.Properties["frame_rate"]
	if !found {
		t.Fatalf("frame_rate missing from response: %+v", response.Properties)
	}
	if value.Int() != 30 {
		t.Fatalf("unexpected frame_rate: %v", value)
	}
}

func TestKeyframesEndpointHonorsHalfOpenRange(t *testing.T) {
	handler := newTestRouter(t)
	token := issueTestToken(t, handler)

	layerGUID := "81111111-1111-1111-1111-111111111111"
	body := fmt.Sprintf(`{"edits":[
		{"kind":"add_layer","layer":%q},
		{"kind":"add_keyframe","layer":%q,"time_ns":0},
		{"kind":"add_keyframe","layer":%q,"time_ns":100},
		{"kind":"add_keyframe","layer":%q,"time_ns":200}
	]}`, layerGUID, layerGUID, layerGUID, layerGUID)
	submitTestEdits(t, handler, token, body)

	request := httptest.NewRequest(http.MethodGet, "/v1/layers/"+layerGUID+"/keyframes?from=0&to=200", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	var response keyframesResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode keyframes response: %v", err)
	}
	if len(response.KeyframesNanos) != 2 {
		t.Fatalf("expected 2 keyframes in [0, 200), got %v", response.KeyframesNanos)
	}
	if response.KeyframesNanos[0] != 0 || response.KeyframesNanos[1] != 100 {
		t.Fatalf("unexpected keyframes: %v", response.KeyframesNanos)
	}
}
