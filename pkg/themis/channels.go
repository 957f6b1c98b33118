package themis

import "github.com/mnemosyne-audit/mnemosyne/pkg/domain"

// Channels of the EHR audit trail.
const (
	ChannelEncounter      domain.Channel = "encounter"
	ChannelPHIAccess      domain.Channel = "phi_access"
	ChannelAuthentication domain.Channel = "authentication"
	ChannelSecurity       domain.Channel = "security"
	ChannelSystem         domain.Channel = "system"
	ChannelError          domain.Channel = "error"
	ChannelPerformance    domain.Channel = "performance"
	ChannelMetrics        domain.Channel = "metrics"
)

// Operations used by the core itself.
const (
	OpPHIAccess       domain.Operation = "PHI_ACCESS"
	OpRequestComplete domain.Operation = "REQUEST_COMPLETE"
	OpSlowRequest     domain.Operation = "SLOW_REQUEST"
	OpSlowQuery       domain.Operation = "SLOW_QUERY"
	OpMetricSnapshot  domain.Operation = "METRIC_SNAPSHOT"
)

// DefaultChannels returns the channel declarations of the EHR.
func DefaultChannels() []ChannelSpec {
	return []ChannelSpec{
		{
			Name:         ChannelEncounter,
			Description:  "Clinical encounter lifecycle",
			DefaultLevel: domain.LevelAudit,
			Operations: map[domain.Operation]domain.Level{
				"ENCOUNTER_CREATE": "",
				"ENCOUNTER_VIEW":   "",
				"ENCOUNTER_UPDATE": "",
				"ENCOUNTER_SIGN":   "",
				"ENCOUNTER_AMEND":  "",
				"ENCOUNTER_DELETE": domain.LevelWarning,
				"VITALS_RECORD":    "",
				"NOTE_SAVE":        "",
			},
		},
		{
			Name:         ChannelPHIAccess,
			Description:  "Reads and disclosures of protected health information",
			DefaultLevel: domain.LevelAudit,
			Operations: map[domain.Operation]domain.Level{
				OpPHIAccess:      "",
				"PHI_EXPORT":     "",
				"PHI_PRINT":      "",
				"PHI_DISCLOSURE": "",
				"BREAK_GLASS":    domain.LevelWarning,
			},
		},
		{
			Name:         ChannelAuthentication,
			Description:  "Sign-in and session events",
			DefaultLevel: domain.LevelInfo,
			Operations: map[domain.Operation]domain.Level{
				"LOGIN":           "",
				"LOGIN_FAILED":    domain.LevelWarning,
				"LOGOUT":          "",
				"SESSION_EXPIRED": "",
				"PASSWORD_CHANGE": domain.LevelAudit,
				"MFA_CHALLENGE":   "",
			},
		},
		{
			Name:         ChannelSecurity,
			Description:  "Authorization decisions and suspicious activity",
			DefaultLevel: domain.LevelWarning,
			Operations: map[domain.Operation]domain.Level{
				"ACCESS_DENIED":       "",
				"PERMISSION_CHANGE":   domain.LevelAudit,
				"ROLE_CHANGE":         domain.LevelAudit,
				"SUSPICIOUS_ACTIVITY": "",
				"RATE_LIMITED":        "",
			},
		},
		{
			Name:         ChannelSystem,
			Description:  "Process lifecycle and configuration",
			DefaultLevel: domain.LevelInfo,
			Operations: map[domain.Operation]domain.Level{
				"STARTUP":       "",
				"SHUTDOWN":      "",
				"CONFIG_CHANGE": domain.LevelAudit,
				"BACKUP":        "",
				"MAINTENANCE":   "",
			},
		},
		{
			Name:         ChannelError,
			Description:  "Application errors",
			DefaultLevel: domain.LevelError,
			Operations: map[domain.Operation]domain.Level{
				"EXCEPTION":         "",
				"DATABASE_ERROR":    "",
				"VALIDATION_ERROR":  domain.LevelWarning,
				"INTEGRATION_ERROR": "",
			},
		},
		{
			Name:         ChannelPerformance,
			Description:  "Per-request performance summaries",
			DefaultLevel: domain.LevelPerf,
			Operations: map[domain.Operation]domain.Level{
				OpRequestComplete: "",
				OpSlowRequest:     domain.LevelWarning,
				OpSlowQuery:       domain.LevelWarning,
			},
		},
		{
			Name:         ChannelMetrics,
			Description:  "Periodic metric snapshots",
			DefaultLevel: domain.LevelPerf,
			Operations: map[domain.Operation]domain.Level{
				OpMetricSnapshot: "",
				"CACHE_STATS":    "",
			},
		},
	}
}

// DefaultRegistry returns the registry of DefaultChannels.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultChannels()...)
	if err != nil {
		panic("themis: invalid default channels: " + err.Error())
	}
	return r
}
