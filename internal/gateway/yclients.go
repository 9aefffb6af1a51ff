package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/cveti/loyalty-bot/internal/observability"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.yclients.com/api/v1"
	acceptHeader   = "application/vnd.yclients.v2+json"
)

// Config configures the YClients client.
type Config struct {
	BaseURL      string
	PartnerToken string
	UserToken    string
	CompanyID    string
	Timeout      time.Duration
	MaxRetries   int
}

// YClients talks to the salon CRM REST API.
type YClients struct {
	baseURL    string
	companyID  string
	authHeader string
	http       *retryablehttp.Client
}

// LoyaltyInfo is the raw loyalty card document. Its shape differs between
// endpoints, so it is kept untyped.
type LoyaltyInfo map[string]any

func NewYClients(cfg Config) *YClients {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = zapLeveledLogger{l: zap.L().Sugar().Named("yclients")}

	auth := "Bearer " + cfg.PartnerToken
	if cfg.UserToken != "" {
		auth += ", User " + cfg.UserToken
	}

	return &YClients{
		baseURL:    baseURL,
		companyID:  cfg.CompanyID,
		authHeader: auth,
		http:       client,
	}
}

// FindClientByPhone returns the CRM id of the first client registered with
// phone in the configured company.
func (c *YClients) FindClientByPhone(ctx context.Context, phone string) (int64, error) {
	digits := domain.DigitsOnly(phone)
	if strings.HasPrefix(digits, "8") {
		digits = "7" + digits[1:]
	}
	query := url.Values{"phone": {digits}}

	var body map[string]any
	if err := c.get(ctx, "find_client", "clients/"+c.companyID, query, &body); err != nil {
		return 0, err
	}
	list, _ := body["data"].([]any)
	if len(list) == 0 {
		return 0, ErrNotFound
	}
	first, _ := list[0].(map[string]any)
	id := domain.CoercePoints(first["id"])
	if id == 0 {
		return 0, ErrNotFound
	}
	return id, nil
}

// GetLoyaltyInfo returns the loyalty document of a client. The client card
// is tried first, then the loyalty endpoints in turn. A transient failure
// on every endpoint is reported as transient, not as ErrNotFound.
func (c *YClients) GetLoyaltyInfo(ctx context.Context, clientID int64) (LoyaltyInfo, error) {
	if clientID == 0 {
		return nil, ErrNotFound
	}
	id := strconv.FormatInt(clientID, 10)

	var lastTransient error
	var clientCard map[string]any
	if err := c.get(ctx, "client_info", "clients/"+c.companyID+"/"+id, nil, &clientCard); err == nil {
		if info := pickClientBalance(clientCard); info != nil {
			return info, nil
		}
	} else if IsTransient(err) {
		lastTransient = err
	}

	endpoints := []string{
		"loyalty/client_cards/" + id,
		"loyalty/client/" + c.companyID + "/" + id,
		"loyalty/cards/" + c.companyID + "/" + id,
		"clients/" + c.companyID + "/" + id + "/loyalty",
	}
	for _, path := range endpoints {
		var raw any
		err := c.get(ctx, "loyalty_info", path, nil, &raw)
		if err != nil {
			if IsTransient(err) {
				lastTransient = err
			}
			if ctx.Err() != nil {
				return nil, &TransientError{Op: "loyalty_info", Err: ctx.Err()}
			}
			continue
		}
		if info := pickLoyaltyCard(raw); info != nil {
			return info, nil
		}
		zap.L().Debug("unexpected loyalty response shape", zap.String("path", path))
	}
	if lastTransient != nil {
		return nil, lastTransient
	}
	return nil, ErrNotFound
}

// GetClientVisits returns up to limit normalized visits of a client.
func (c *YClients) GetClientVisits(ctx context.Context, clientID int64, limit int) ([]models.Visit, error) {
	if clientID == 0 {
		return nil, nil
	}
	query := url.Values{
		"client_id": {strconv.FormatInt(clientID, 10)},
		"count":     {strconv.Itoa(limit)},
		"page":      {"1"},
	}
	var raw any
	if err := c.get(ctx, "client_visits", "records/"+c.companyID, query, &raw); err != nil {
		return nil, err
	}

	var records []any
	switch v := raw.(type) {
	case []any:
		records = v
	case map[string]any:
		records, _ = v["data"].([]any)
	}

	visits := make([]models.Visit, 0, len(records))
	for _, r := range records {
		rec, ok := r.(map[string]any)
		if !ok {
			continue
		}
		visits = append(visits, NormalizeVisit(rec))
	}
	return visits, nil
}

func (c *YClients) get(ctx context.Context, op, path string, query url.Values, out any) error {
	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("yclients %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.ObserveCRMRequest(op, "network_error", time.Since(start))
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		observability.ObserveCRMRequest(op, "read_error", time.Since(start))
		return &TransientError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		observability.ObserveCRMRequest(op, "not_found", time.Since(start))
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		observability.ObserveCRMRequest(op, "transient", time.Since(start))
		return &TransientError{Op: op, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		observability.ObserveCRMRequest(op, "rejected", time.Since(start))
		zap.L().Error("yclients request rejected",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(payload), 500)),
		)
		return fmt.Errorf("yclients %s: unexpected status %d", op, resp.StatusCode)
	}
	observability.ObserveCRMRequest(op, "ok", time.Since(start))

	if len(bytes.TrimSpace(payload)) == 0 {
		return ErrNotFound
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("yclients %s: decode response: %w", op, err)
	}
	return nil
}

func pickClientBalance(card map[string]any) LoyaltyInfo {
	if card == nil {
		return nil
	}
	if hasAnyKey(card, "balance", "loyalty_balance", "bonus") {
		return card
	}
	if data, ok := card["data"].(map[string]any); ok && hasAnyKey(data, "balance", "loyalty_balance", "bonus") {
		return data
	}
	return nil
}

func pickLoyaltyCard(raw any) LoyaltyInfo {
	switch v := raw.(type) {
	case []any:
		if len(v) > 0 {
			if first, ok := v[0].(map[string]any); ok {
				return first
			}
		}
	case map[string]any:
		switch data := v["data"].(type) {
		case []any:
			if len(data) > 0 {
				if first, ok := data[0].(map[string]any); ok {
					return first
				}
			}
		case map[string]any:
			return data
		}
		if hasAnyKey(v, "balance", "card", "points") {
			return v
		}
	}
	return nil
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// zapLeveledLogger adapts zap to retryablehttp.LeveledLogger.
type zapLeveledLogger struct {
	l *zap.SugaredLogger
}

func (z zapLeveledLogger) Error(msg string, kv ...interface{}) { z.l.Errorw(msg, kv...) }
func (z zapLeveledLogger) Info(msg string, kv ...interface{})  { z.l.Debugw(msg, kv...) }
func (z zapLeveledLogger) Debug(msg string, kv ...interface{}) { z.l.Debugw(msg, kv...) }
func (z zapLeveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warnw(msg, kv...) }
