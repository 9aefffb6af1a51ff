package domain

import "time"

// Ledger transaction types (must match migration 0001).
const (
	TxTypeEarn   = "earn"
	TxTypeSpend  = "spend"
	TxTypeAdjust = "adjust"
)

// Webhook log statuses.
const (
	WebhookStatusReceived     = "received"
	WebhookStatusProcessed    = "processed"
	WebhookStatusFailed       = "failed"
	WebhookStatusDisconnected = "disconnected"
)

// Keys of the app_settings table.
const (
	SettingLoyaltyPercentage  = "loyalty_percentage"
	SettingMaxSpendPercentage = "loyalty_max_spend_percentage"
	SettingExpirationDays     = "loyalty_expiration_days"
	SettingWelcomeBonus       = "welcome_bonus_amount"
)

// Value types of the app_settings table.
const (
	SettingTypeString  = "string"
	SettingTypeNumber  = "number"
	SettingTypeFloat   = "float"
	SettingTypeBoolean = "boolean"
)

// Descriptions written to ledger rows.
const (
	DescriptionSyncAdjustment = "sync adjustment"
	DescriptionWelcomeBonus   = "welcome bonus"
	DescriptionManualCredit   = "manual admin adjustment"
	DefaultCardStatusLabel    = "Бонусная карта"
)

const (
	DefaultLoyaltyPercentage  = "0.05"
	DefaultMaxSpendPercentage = "0.3"
	DefaultExpirationDays     = 90

	// VisitsFreshness is how long cached CRM visits are served before a resync.
	VisitsFreshness = 30 * time.Minute
)
