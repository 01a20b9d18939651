package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"finance-agent/internal/domain"
	"finance-agent/internal/report"
)

type WeeklyReporter interface {
	Weekly(ctx context.Context, userID, timezone string) (domain.WeeklyReport, error)
}

// ReportService serves the report endpoint without going through the model.
type ReportService struct {
	reporter        WeeklyReporter
	defaultTimezone string
	logger          *slog.Logger
}

type ReportInput struct {
	UserID   string
	Timezone string
}

func NewReportService(r WeeklyReporter, defaultTimezone string, logger *slog.Logger) (*ReportService, error) {
	if r == nil {
		return nil, errors.New("usecase: reporter must not be nil")
	}
	defaultTimezone = strings.TrimSpace(defaultTimezone)
	if defaultTimezone == "" {
		return nil, errors.New("usecase: default timezone must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportService{reporter: r, defaultTimezone: defaultTimezone, logger: logger}, nil
}

func (s *ReportService) Weekly(ctx context.Context, in ReportInput) (domain.WeeklyReport, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return domain.WeeklyReport{}, newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	timezone := strings.TrimSpace(in.Timezone)
	if timezone == "" {
		timezone = s.defaultTimezone
	}

	rep, err := s.reporter.Weekly(ctx, userID, timezone)
	switch {
	case err == nil:
		return rep, nil
	case errors.Is(err, report.ErrInvalidTimezone):
		return domain.WeeklyReport{}, newError(ErrorInvalidInput, "invalid_timezone", err)
	case errors.Is(err, domain.ErrMissingUser):
		return domain.WeeklyReport{}, newError(ErrorInvalidInput, "missing_user_id", err)
	default:
		s.logger.ErrorContext(ctx, "weekly report failed", "user_id", userID, "err", err)
		return domain.WeeklyReport{}, newError(ErrorInternal, "report_error", err)
	}
}
