package domain

import (
	"github.com/yungbote/autoflow-backend/internal/domain/automation"
	"github.com/yungbote/autoflow-backend/internal/domain/idempotency"
	"github.com/yungbote/autoflow-backend/internal/domain/ratelimit"
)

type (
	IdempotencyKey         = idempotency.IdempotencyKey
	RateLimitViolation     = ratelimit.RateLimitViolation
	RateLimitHit           = ratelimit.RateLimitHit
	AutomationSafetyConfig = automation.AutomationSafetyConfig
	AutomationActionLog    = automation.AutomationActionLog
	OAuthFailureLog        = automation.OAuthFailureLog
	AutomationRule         = automation.AutomationRule
)

// Models lists every persisted type in migration order.
func Models() []interface{} {
	return []interface{}{
		&IdempotencyKey{},
		&RateLimitViolation{},
		&RateLimitHit{},
		&AutomationSafetyConfig{},
		&AutomationActionLog{},
		&OAuthFailureLog{},
		&AutomationRule{},
	}
}
