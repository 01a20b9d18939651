package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"finance-agent/internal/domain"
	"finance-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"

	routeChat   = "/api/chat/message"
	routeReport = "/api/analytics/weekly-report"
	routeHealth = "/health"
)

type ChatUseCase interface {
	Send(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type ReportUseCase interface {
	Weekly(ctx context.Context, in usecase.ReportInput) (domain.WeeklyReport, error)
}

type Handler struct {
	chat   ChatUseCase
	report ReportUseCase
	logger *slog.Logger
}

type chatRequest struct {
	Message  string `json:"message"`
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id"`
	Timezone string `json:"timezone,omitempty"`
}

type chatResponse struct {
	UserID    string `json:"user_id"`
	ThreadID  string `json:"thread_id"`
	Message   string `json:"message"`
	Reply     string `json:"reply"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewHandler(chat ChatUseCase, report ReportUseCase, logger *slog.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if report == nil {
		return nil, errors.New("handler: report use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{chat: chat, report: report, logger: logger}, nil
}

// Handle serves API Gateway proxy events.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	logger := h.logger.With("correlation_id", corrID, "method", req.HTTPMethod, "path", req.Path)

	path := strings.TrimRight(req.Path, "/")
	switch path {
	case routeChat:
		if req.HTTPMethod != http.MethodPost {
			return methodNotAllowed(corrID, http.MethodPost), nil
		}
		return h.handleChat(ctx, logger, corrID, req), nil
	case routeReport:
		if req.HTTPMethod != http.MethodGet {
			return methodNotAllowed(corrID, http.MethodGet), nil
		}
		return h.handleReport(ctx, logger, corrID, req), nil
	case routeHealth:
		return jsonResponse(http.StatusOK, corrID, map[string]string{"status": "ok"}), nil
	default:
		return jsonResponse(http.StatusNotFound, corrID, errorResponse{Error: "NOT_FOUND", Message: "Route not found."}), nil
	}
}

func (h *Handler) handleChat(ctx context.Context, logger *slog.Logger, corrID string, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body chatRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		logger.WarnContext(ctx, "invalid chat request body", "err", err)
		return errorResponseFor(corrID, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err})
	}

	out, err := h.chat.Send(ctx, usecase.ChatInput{
		UserID:   body.UserID,
		ThreadID: body.ThreadID,
		Timezone: body.Timezone,
		Message:  body.Message,
	})
	if err != nil {
		logFailure(ctx, logger, "chat request failed", err)
		return errorResponseFor(corrID, err)
	}

	return jsonResponse(http.StatusOK, corrID, chatResponse{
		UserID:    out.UserID,
		ThreadID:  out.ThreadID,
		Message:   out.Message,
		Reply:     out.Reply,
		Status:    out.Status,
		Timestamp: out.Timestamp.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleReport(ctx context.Context, logger *slog.Logger, corrID string, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	rep, err := h.report.Weekly(ctx, usecase.ReportInput{
		UserID:   req.QueryStringParameters["user_id"],
		Timezone: req.QueryStringParameters["timezone"],
	})
	if err != nil {
		logFailure(ctx, logger, "report request failed", err)
		return errorResponseFor(corrID, err)
	}
	return jsonResponse(http.StatusOK, corrID, rep)
}

func logFailure(ctx context.Context, logger *slog.Logger, msg string, err error) {
	var ue *usecase.Error
	if errors.As(err, &ue) {
		logger.ErrorContext(ctx, msg, "code", ue.Code, "reason", ue.Reason, "err", err)
		return
	}
	logger.ErrorContext(ctx, msg, "err", err)
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}

// errorResponseFor maps a use case failure to a status and a generic body.
func errorResponseFor(corrID string, err error) events.APIGatewayProxyResponse {
	code := usecase.ErrorInternal
	var ue *usecase.Error
	if errors.As(err, &ue) {
		code = ue.Code
	}
	status, message := statusFor(code)
	return jsonResponse(status, corrID, errorResponse{Error: string(code), Message: message})
}

func statusFor(code usecase.ErrorCode) (int, string) {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, "The request is invalid."
	case usecase.ErrorThreadBusy:
		return http.StatusConflict, "This conversation is already processing a message."
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, "Too many requests. Please try again shortly."
	case usecase.ErrorReasoningTimeout:
		return http.StatusGatewayTimeout, "The assistant took too long to respond."
	case usecase.ErrorUpstream, usecase.ErrorToolExecution:
		return http.StatusBadGateway, "The assistant is temporarily unavailable."
	default:
		return http.StatusInternalServerError, "Something went wrong."
	}
}

func methodNotAllowed(corrID, allowed string) events.APIGatewayProxyResponse {
	resp := jsonResponse(http.StatusMethodNotAllowed, corrID, errorResponse{Error: "METHOD_NOT_ALLOWED", Message: "Method not allowed."})
	resp.Headers["Allow"] = allowed
	return resp
}

func jsonResponse(status int, corrID string, v any) events.APIGatewayProxyResponse {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(v)
	body := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR","message":"Something went wrong."}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(body),
	}
}
