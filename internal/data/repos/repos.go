package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/autoflow-backend/internal/data/repos/automation"
	"github.com/yungbote/autoflow-backend/internal/data/repos/idempotency"
	"github.com/yungbote/autoflow-backend/internal/data/repos/ratelimit"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

type IdempotencyKeyRepo = idempotency.IdempotencyKeyRepo

type RateLimitViolationRepo = ratelimit.RateLimitViolationRepo
type RateLimitHitRepo = ratelimit.RateLimitHitRepo

type SafetyConfigRepo = automation.SafetyConfigRepo
type ActionLogRepo = automation.ActionLogRepo
type OAuthFailureRepo = automation.OAuthFailureRepo
type RuleRepo = automation.RuleRepo

// Set bundles every repo over one *gorm.DB.
type Set struct {
	IdempotencyKeys    IdempotencyKeyRepo
	RateLimitViolation RateLimitViolationRepo
	RateLimitHits      RateLimitHitRepo
	SafetyConfig       SafetyConfigRepo
	ActionLog          ActionLogRepo
	OAuthFailures      OAuthFailureRepo
	Rules              RuleRepo
}

func NewSet(db *gorm.DB, baseLog *logger.Logger) Set {
	return Set{
		IdempotencyKeys:    idempotency.NewIdempotencyKeyRepo(db, baseLog),
		RateLimitViolation: ratelimit.NewRateLimitViolationRepo(db, baseLog),
		RateLimitHits:      ratelimit.NewRateLimitHitRepo(db, baseLog),
		SafetyConfig:       automation.NewSafetyConfigRepo(db, baseLog),
		ActionLog:          automation.NewActionLogRepo(db, baseLog),
		OAuthFailures:      automation.NewOAuthFailureRepo(db, baseLog),
		Rules:              automation.NewRuleRepo(db, baseLog),
	}
}
