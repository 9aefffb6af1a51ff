package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const settingsCachePrefix = "settings"

// SettingsDefaults are used when a key is missing or the store is down.
type SettingsDefaults struct {
	LoyaltyPercentage  decimal.Decimal
	MaxSpendPercentage decimal.Decimal
	ExpirationDays     int
	WelcomeBonus       int64
}

// SettingsService reads the runtime loyalty settings through a Redis cache.
// A nil redis client disables caching.
type SettingsService struct {
	store    SettingsStore
	cache    redis.Cmdable
	ttl      time.Duration
	defaults SettingsDefaults
}

func NewSettingsService(store SettingsStore, cache redis.Cmdable, ttl time.Duration, defaults SettingsDefaults) *SettingsService {
	return &SettingsService{store: store, cache: cache, ttl: ttl, defaults: defaults}
}

func (s *SettingsService) LoyaltyPercentage(ctx context.Context) decimal.Decimal {
	return s.percentage(ctx, domain.SettingLoyaltyPercentage, s.defaults.LoyaltyPercentage)
}

func (s *SettingsService) MaxSpendPercentage(ctx context.Context) decimal.Decimal {
	return s.percentage(ctx, domain.SettingMaxSpendPercentage, s.defaults.MaxSpendPercentage)
}

func (s *SettingsService) ExpirationDays(ctx context.Context) int {
	raw, ok := s.value(ctx, domain.SettingExpirationDays)
	if !ok {
		return s.defaults.ExpirationDays
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 {
		zap.L().Warn("bad expiration days setting, using default", zap.String("value", raw))
		return s.defaults.ExpirationDays
	}
	return days
}

func (s *SettingsService) WelcomeBonus(ctx context.Context) int64 {
	raw, ok := s.value(ctx, domain.SettingWelcomeBonus)
	if !ok {
		return s.defaults.WelcomeBonus
	}
	bonus, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || bonus < 0 {
		zap.L().Warn("bad welcome bonus setting, using default", zap.String("value", raw))
		return s.defaults.WelcomeBonus
	}
	return bonus
}

func (s *SettingsService) List(ctx context.Context) ([]models.Setting, error) {
	return s.store.ListSettings(ctx)
}

// Update validates and stores a setting, then drops its cached value.
func (s *SettingsService) Update(ctx context.Context, key, value string) (models.Setting, error) {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return models.Setting{}, fmt.Errorf("%w: empty key", domain.ErrInvalidSetting)
	}

	setting := models.Setting{Key: key, Value: value}
	switch key {
	case domain.SettingLoyaltyPercentage, domain.SettingMaxSpendPercentage:
		d, err := decimal.NewFromString(value)
		if err != nil || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
			return models.Setting{}, fmt.Errorf("%w: %s must be a fraction between 0 and 1", domain.ErrInvalidSetting, key)
		}
		setting.Type = domain.SettingTypeFloat
	case domain.SettingExpirationDays:
		days, err := strconv.Atoi(value)
		if err != nil || days <= 0 {
			return models.Setting{}, fmt.Errorf("%w: %s must be a positive integer", domain.ErrInvalidSetting, key)
		}
		setting.Type = domain.SettingTypeNumber
	case domain.SettingWelcomeBonus:
		bonus, err := strconv.ParseInt(value, 10, 64)
		if err != nil || bonus < 0 {
			return models.Setting{}, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidSetting, key)
		}
		setting.Type = domain.SettingTypeNumber
	default:
		setting.Type = detectSettingType(value)
	}

	if err := s.store.UpsertSetting(ctx, setting); err != nil {
		return models.Setting{}, err
	}
	if s.cache != nil {
		if err := s.cache.Del(ctx, settingsCacheKey(key)).Err(); err != nil {
			zap.L().Warn("settings cache invalidation failed", zap.String("key", key), zap.Error(err))
		}
	}
	zap.L().Info("setting updated", zap.String("key", key), zap.String("value", value))
	return setting, nil
}

func (s *SettingsService) percentage(ctx context.Context, key string, fallback decimal.Decimal) decimal.Decimal {
	raw, ok := s.value(ctx, key)
	if !ok {
		return fallback
	}
	d, err := domain.ParsePercentage(raw)
	if err != nil || d.IsNegative() {
		zap.L().Warn("bad percentage setting, using default", zap.String("key", key), zap.String("value", raw))
		return fallback
	}
	return d
}

func (s *SettingsService) value(ctx context.Context, key string) (string, bool) {
	if s.cache != nil {
		val, err := s.cache.Get(ctx, settingsCacheKey(key)).Result()
		if err == nil {
			return val, true
		}
		if !errors.Is(err, redis.Nil) {
			zap.L().Warn("settings cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	setting, err := s.store.GetSetting(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrSettingNotFound) {
			zap.L().Warn("settings read failed, using default", zap.String("key", key), zap.Error(err))
		}
		return "", false
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, settingsCacheKey(key), setting.Value, s.ttl).Err(); err != nil {
			zap.L().Warn("settings cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return setting.Value, true
}

func detectSettingType(value string) string {
	switch strings.ToLower(value) {
	case "true", "false":
		return domain.SettingTypeBoolean
	}
	if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		return domain.SettingTypeNumber
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return domain.SettingTypeFloat
	}
	return domain.SettingTypeString
}

func settingsCacheKey(key string) string {
	return fmt.Sprintf("%s:%s", settingsCachePrefix, key)
}
