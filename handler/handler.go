package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"line-token-relay/internal/domain"
	"line-token-relay/internal/signature"
	"line-token-relay/internal/usecase"
)

const (
	headerSignature     = "x-line-signature"
	headerPushToken     = "t-token"
	headerPushSecret    = "x-push-secret"
	headerCorrelationID = "X-Correlation-Id"

	maxBodyBytes = 1 << 20
)

type Relay interface {
	HandleEvents(ctx context.Context, events []domain.Event) []usecase.ReplyResult
	Push(ctx context.Context, token, message string) usecase.PushResult
}

// SecretSource resolves the channel secret used to verify webhook signatures.
type SecretSource interface {
	Value(ctx context.Context) (string, error)
}

type Handler struct {
	relay         Relay
	channelSecret SecretSource
	pushSecret    string
	log           *slog.Logger
}

type Option func(*Handler)

// WithPushSecret requires push requests to carry the x-push-secret header with this value.
func WithPushSecret(secret string) Option {
	return func(h *Handler) {
		h.pushSecret = secret
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.log = logger
		}
	}
}

type pushResponse struct {
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(relay Relay, channelSecret SecretSource, opts ...Option) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	if channelSecret == nil {
		return nil, errors.New("handler: channel secret must not be nil")
	}
	h := &Handler{relay: relay, channelSecret: channelSecret, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// PushSecretConfigured reports whether push requests need a shared secret.
func (h *Handler) PushSecretConfigured() bool {
	return h.pushSecret != ""
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID, ok := header(req.Headers, headerCorrelationID)
	if !ok || strings.TrimSpace(correlationID) == "" {
		correlationID = uuid.NewString()
	}
	log := h.log.With("correlation_id", correlationID)

	if req.HTTPMethod != "" && req.HTTPMethod != http.MethodPost {
		return errorJSON(http.StatusMethodNotAllowed, correlationID, "METHOD_NOT_ALLOWED"), nil
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			log.Warn("failed to decode request body", "err", err)
			return errorJSON(http.StatusBadRequest, correlationID, string(usecase.ErrorInvalidInput)), nil
		}
		body = decoded
	}

	// An empty t-token counts as absent; the request is then a signed webhook.
	if token, ok := header(req.Headers, headerPushToken); ok && strings.TrimSpace(token) != "" {
		return h.handlePush(ctx, log, correlationID, req.Headers, token, body), nil
	}
	return h.handleWebhook(ctx, log, correlationID, req.Headers, body), nil
}

func (h *Handler) handlePush(ctx context.Context, log *slog.Logger, correlationID string, headers map[string]string, token string, body []byte) events.APIGatewayProxyResponse {
	if h.pushSecret != "" {
		got, _ := header(headers, headerPushSecret)
		if !signature.Equal(got, h.pushSecret) {
			log.Warn("push request rejected", "reason", "push_secret_mismatch")
			return unauthorized(correlationID)
		}
	}

	var in domain.PushRequest
	if err := json.Unmarshal(body, &in); err != nil {
		log.Warn("invalid push body", "err", err)
		return errorJSON(http.StatusBadRequest, correlationID, string(usecase.ErrorInvalidInput))
	}

	res := h.relay.Push(ctx, token, in.Message)
	switch res.Outcome {
	case usecase.PushSent:
		log.Info("push sent", "user_id", res.UserID)
		return jsonResponse(http.StatusOK, correlationID, pushResponse{Success: true})
	case usecase.PushUserNotFound:
		log.Info("push for unknown token")
		return jsonResponse(http.StatusOK, correlationID, pushResponse{Error: string(usecase.PushUserNotFound)})
	case usecase.PushInvalidInput:
		log.Warn("push without message", "user_id", res.UserID)
		return jsonResponse(http.StatusOK, correlationID, pushResponse{Error: string(usecase.PushInvalidInput)})
	default:
		detail := ""
		if res.Err != nil {
			detail = pushDetail(res.Err)
		}
		log.Error("push failed", "user_id", res.UserID, "code", usecase.CodeOf(res.Err), "err", res.Err)
		return jsonResponse(http.StatusOK, correlationID, pushResponse{Error: string(usecase.PushTransportError), Detail: detail})
	}
}

func (h *Handler) handleWebhook(ctx context.Context, log *slog.Logger, correlationID string, headers map[string]string, body []byte) events.APIGatewayProxyResponse {
	secret, err := h.channelSecret.Value(ctx)
	if err != nil {
		log.Error("failed to resolve channel secret", "err", err)
		return errorJSON(statusFor(usecase.ErrorInternal), correlationID, string(usecase.ErrorInternal))
	}
	sig, _ := header(headers, headerSignature)
	if !signature.Verify(secret, body, sig) {
		log.Warn("webhook rejected", "reason", "signature_mismatch")
		return unauthorized(correlationID)
	}

	var payload domain.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Warn("invalid webhook body", "err", err)
		return errorJSON(http.StatusBadRequest, correlationID, string(usecase.ErrorInvalidInput))
	}

	results := h.relay.HandleEvents(ctx, payload.Events)
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			log.Warn("trigger not answered", "user_id", res.UserID, "code", usecase.CodeOf(res.Err), "err", res.Err)
		}
	}
	log.Info("webhook handled", "events", len(payload.Events), "triggers", len(results), "failed", failed)
	return jsonResponse(http.StatusOK, correlationID, struct{}{})
}

// ServeHTTP runs the same flow for a plain net/http request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusBadRequest
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeResponse(w, errorJSON(status, "", string(usecase.ErrorInvalidInput)))
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	resp, err := h.Handle(r.Context(), events.APIGatewayProxyRequest{
		HTTPMethod: r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       string(body),
	})
	if err != nil {
		h.log.Error("unhandled error", "err", err)
		writeResponse(w, errorJSON(http.StatusInternalServerError, "", string(usecase.ErrorInternal)))
		return
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp events.APIGatewayProxyResponse) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

// header looks up key case-insensitively. API Gateway does not normalise header names.
func header(headers map[string]string, key string) (string, bool) {
	if v, ok := headers[key]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func pushDetail(err error) string {
	var usecaseErr *usecase.Error
	if errors.As(err, &usecaseErr) && usecaseErr.Err != nil {
		return usecaseErr.Err.Error()
	}
	return err.Error()
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorUserNotFound:
		return http.StatusNotFound
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func unauthorized(correlationID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: statusFor(usecase.ErrorUnauthorized),
		Headers:    responseHeaders("text/plain; charset=utf-8", correlationID),
		Body:       "Unauthorized",
	}
}

func errorJSON(status int, correlationID, code string) events.APIGatewayProxyResponse {
	return jsonResponse(status, correlationID, errorResponse{Error: code})
}

func jsonResponse(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    responseHeaders("application/json", correlationID),
		Body:       string(b),
	}
}

func responseHeaders(contentType, correlationID string) map[string]string {
	h := map[string]string{"Content-Type": contentType}
	if correlationID != "" {
		h[headerCorrelationID] = correlationID
	}
	return h
}
