package domain

// RejectReason is the closed set of JIT rejection sub-reasons. Each is
// recorded on an Activity with action=rejected and is never retried
// within the same scheduler run.
type RejectReason string

const (
	RejectStatusNotSendable    RejectReason = "status_not_sendable"
	RejectSubscriptionInactive RejectReason = "subscription_inactive"
	RejectNoCredits            RejectReason = "no_credits"
	RejectCampaignInactive     RejectReason = "campaign_inactive"
	RejectManualMode           RejectReason = "manual_mode"
	RejectBouncedGlobally      RejectReason = "bounced_globally"
	RejectUnsubscribedGlobally RejectReason = "unsubscribed_globally"
	RejectSuppressedGlobal     RejectReason = "suppressed_global"
	RejectSuppressedTenant     RejectReason = "suppressed_tenant"
	RejectSuppressedDomain     RejectReason = "suppressed_domain"
	RejectEmailInvalid         RejectReason = "email_invalid"
	RejectTooRecent            RejectReason = "too_recent"
	RejectChannelCooldown      RejectReason = "channel_cooldown"
	RejectWarmupNotReady       RejectReason = "warmup_not_ready"
	RejectRateLimitChannel     RejectReason = "rate_limit_channel"
	RejectALSTooLow            RejectReason = "als_too_low"
	RejectNoResource           RejectReason = "no_resource"
	RejectDNCR                 RejectReason = "rejected_dncr"
)

// SuppressionReject maps a suppression scope to its JIT reject reason.
func SuppressionReject(scope SuppressionScope) RejectReason {
	switch scope {
	case ScopeTenant:
		return RejectSuppressedTenant
	case ScopeDomain:
		return RejectSuppressedDomain
	default:
		return RejectSuppressedGlobal
	}
}
