package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/gateway"
	"github.com/cveti/loyalty-bot/internal/models"
	"go.uber.org/zap"
)

// balanceKeys are tried in order on the loyalty document.
var balanceKeys = []string{"points", "balance", "loyalty_balance"}

// BalanceReader reads the authoritative point balance from the CRM.
type BalanceReader struct {
	crm       CRMClient
	customers CustomerStore
}

func NewBalanceReader(crm CRMClient, customers CustomerStore) *BalanceReader {
	return &BalanceReader{crm: crm, customers: customers}
}

// ResolveClientID returns the CRM client id of a customer, looking it up by
// phone when none is stored. A resolved id is persisted best-effort.
func (r *BalanceReader) ResolveClientID(ctx context.Context, c *models.Customer) (int64, error) {
	if c.YClientsID != nil && *c.YClientsID != 0 {
		return *c.YClientsID, nil
	}

	clientID, err := r.crm.FindClientByPhone(ctx, c.Phone)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return 0, fmt.Errorf("%w: no CRM client for %s", domain.ErrCustomerNotLinked, c.Phone)
		}
		return 0, fmt.Errorf("find CRM client: %w", err)
	}

	if _, err := r.customers.SetCustomerYClientsID(ctx, c.ID, clientID); err != nil {
		zap.L().Warn("persist CRM client id failed",
			zap.Int64("customer_id", c.ID), zap.Int64("yclients_id", clientID), zap.Error(err))
	}
	c.YClientsID = &clientID
	return clientID, nil
}

// FetchAuthoritativeBalance returns the CRM loyalty snapshot of a customer.
func (r *BalanceReader) FetchAuthoritativeBalance(ctx context.Context, c *models.Customer) (models.LoyaltySnapshot, error) {
	clientID, err := r.ResolveClientID(ctx, c)
	if err != nil {
		return models.LoyaltySnapshot{}, err
	}

	info, err := r.crm.GetLoyaltyInfo(ctx, clientID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return models.LoyaltySnapshot{}, fmt.Errorf("%w: client %d has no loyalty card", domain.ErrCustomerNotLinked, clientID)
		}
		return models.LoyaltySnapshot{}, fmt.Errorf("get loyalty info: %w", err)
	}
	return ParseLoyaltySnapshot(info), nil
}

// ParseLoyaltySnapshot extracts the balance, card number and status label
// from any of the loyalty document shapes the CRM returns.
func ParseLoyaltySnapshot(info map[string]any) models.LoyaltySnapshot {
	doc := info
	if data, ok := info["data"].(map[string]any); ok && !hasBalanceKey(info) {
		doc = data
	}

	snap := models.LoyaltySnapshot{
		Balance:     extractBalance(doc),
		StatusLabel: domain.DefaultCardStatusLabel,
	}
	if number := stringValue(doc["number"]); number != "" {
		snap.CardNumber = &number
	} else if card, ok := doc["card"].(map[string]any); ok {
		if number := stringValue(card["number"]); number != "" {
			snap.CardNumber = &number
		}
	}
	if typ, ok := doc["type"].(map[string]any); ok {
		if title := strings.TrimSpace(stringValue(typ["title"])); title != "" {
			snap.StatusLabel = title
		}
	}
	return snap
}

func hasBalanceKey(m map[string]any) bool {
	for _, k := range balanceKeys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	_, card := m["card"]
	_, bonus := m["bonus"]
	return card || bonus
}

func extractBalance(doc map[string]any) int64 {
	for _, k := range balanceKeys {
		if v, ok := doc[k]; ok {
			return domain.CoercePoints(v)
		}
	}
	if card, ok := doc["card"].(map[string]any); ok {
		if points := domain.CoercePoints(card["points"]); points != 0 {
			return points
		}
		return domain.CoercePoints(card["balance"])
	}
	if v, ok := doc["bonus"]; ok {
		return domain.CoercePoints(v)
	}
	return 0
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	}
	return ""
}
