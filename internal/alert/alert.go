// Package alert surfaces rule execution failures to operators.
package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/repository"
	"github.com/potmatic/potmatic/internal/utils"
)

// Channel is the Redis pub/sub channel alerts are published to.
const Channel = "potmatic:alerts"

// FailureThreshold is how many consecutive failures escalate a rule
// from a log line to a published alert.
const FailureThreshold = 3

// Alert is the published payload.
type Alert struct {
	RuleID      string            `json:"rule_id"`
	RuleName    string            `json:"rule_name"`
	Family      domain.RuleFamily `json:"family"`
	MonzoUserID string            `json:"monzo_user_id"`
	Message     string            `json:"message"`
	Failures    int               `json:"consecutive_failures"`
	At          time.Time         `json:"at"`
}

// Service logs failures and publishes repeated ones to Redis.
type Service struct {
	redis *repository.RedisClient
}

// NewService creates an alert service. redis may be nil; alerts then
// only log.
func NewService(redis *repository.RedisClient) *Service {
	return &Service{redis: redis}
}

// RuleFailed records one failed execution. Below the threshold it logs;
// at or above it also publishes.
func (s *Service) RuleFailed(ctx context.Context, rule *domain.Rule, err error, consecutiveFailures int) {
	utils.Warn("rule execution failure",
		slog.String("rule_id", rule.RuleID),
		slog.String("rule_name", rule.Name),
		slog.Int("consecutive_failures", consecutiveFailures),
		slog.String("error", err.Error()),
	)

	if consecutiveFailures < FailureThreshold || s.redis == nil {
		return
	}

	alert := Alert{
		RuleID:      rule.RuleID,
		RuleName:    rule.Name,
		Family:      rule.Family,
		MonzoUserID: rule.MonzoUserID,
		Message:     err.Error(),
		Failures:    consecutiveFailures,
		At:          time.Now().UTC(),
	}
	if pubErr := s.redis.Publish(ctx, Channel, alert); pubErr != nil {
		utils.Error("failed to publish alert",
			slog.String("rule_id", rule.RuleID),
			slog.String("error", pubErr.Error()),
		)
	}
}
