package safety

import (
	"time"

	types "github.com/yungbote/autoflow-backend/internal/domain"
)

// Limits are the tunable caps of one scope.
type Limits struct {
	MaxActionsPerContactPerDay int  `json:"max_actions_per_contact_per_day" validate:"min=0"`
	MaxActionsPerUserPer5Min   int  `json:"max_actions_per_user_per_5min" validate:"min=0"`
	MaxActionsPerUserPerHour   int  `json:"max_actions_per_user_per_hour" validate:"min=0"`
	DryRunMode                 bool `json:"dry_run_mode"`
	OAuthFailureThreshold      int  `json:"oauth_failure_threshold" validate:"min=1"`
	OAuthFailureWindowSeconds  int  `json:"oauth_failure_window_seconds" validate:"min=1"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxActionsPerContactPerDay: 3,
		MaxActionsPerUserPer5Min:   10,
		MaxActionsPerUserPerHour:   50,
		OAuthFailureThreshold:      3,
		OAuthFailureWindowSeconds:  3600,
	}
}

// OAuthFailureWindow is OAuthFailureWindowSeconds as a duration.
func (l Limits) OAuthFailureWindow() time.Duration {
	return time.Duration(l.OAuthFailureWindowSeconds) * time.Second
}

func limitsOf(c *types.AutomationSafetyConfig) Limits {
	return Limits{
		MaxActionsPerContactPerDay: c.MaxActionsPerContactPerDay,
		MaxActionsPerUserPer5Min:   c.MaxActionsPerUserPer5Min,
		MaxActionsPerUserPerHour:   c.MaxActionsPerUserPerHour,
		DryRunMode:                 c.DryRunMode,
		OAuthFailureThreshold:      c.OAuthFailureThreshold,
		OAuthFailureWindowSeconds:  c.OAuthFailureWindowSeconds,
	}
}

func (l Limits) apply(c *types.AutomationSafetyConfig) {
	c.MaxActionsPerContactPerDay = l.MaxActionsPerContactPerDay
	c.MaxActionsPerUserPer5Min = l.MaxActionsPerUserPer5Min
	c.MaxActionsPerUserPerHour = l.MaxActionsPerUserPerHour
	c.DryRunMode = l.DryRunMode
	c.OAuthFailureThreshold = l.OAuthFailureThreshold
	c.OAuthFailureWindowSeconds = l.OAuthFailureWindowSeconds
}

// DefaultContactActionTypes target an external human and are subject to the
// per-contact daily cap.
func DefaultContactActionTypes() []string {
	return []string{"auto_reply", "send_email", "send_sms", "follow_up_email"}
}

type Config struct {
	// Defaults apply when neither an owner row nor the global row exists.
	Defaults           Limits
	ContactActionTypes []string
	Now                func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Defaults:           DefaultLimits(),
		ContactActionTypes: DefaultContactActionTypes(),
		Now:                time.Now,
	}
}
