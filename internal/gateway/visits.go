package gateway

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cveti/loyalty-bot/internal/models"
)

// Visit status labels shown in the Mini-App.
const (
	VisitStatusCanceled     = "Отменено"
	VisitStatusConfirmed    = "Подтверждено"
	VisitStatusCompleted    = "Визит состоялся"
	VisitStatusPending      = "Ожидается"
	VisitStatusNoShow       = "Не пришли"
	VisitStatusNotConfirmed = "Не подтверждено"
	VisitStatusBooked       = "Запись"
)

// NormalizeVisit flattens a CRM record into the display shape.
func NormalizeVisit(raw map[string]any) models.Visit {
	v := models.Visit{
		VisitID:  idOf(raw, "id", "visit_id"),
		Services: []string{},
		Status:   visitStatus(raw),
	}

	var servicesTotal *float64
	if services, ok := raw["services"].([]any); ok {
		for _, s := range services {
			svc, ok := s.(map[string]any)
			if !ok {
				continue
			}
			if title := firstString(svc, "title", "name"); title != "" {
				v.Services = append(v.Services, title)
			}
			cost, ok := firstFloat(svc, "cost", "first_cost", "manual_cost")
			if !ok {
				continue
			}
			qty := 1.0
			if n, ok := toFloat(svc["amount"]); ok {
				qty = n
			}
			total := cost * qty
			if servicesTotal != nil {
				total += *servicesTotal
			}
			servicesTotal = &total
		}
	}

	for _, key := range []string{"amount", "sum", "total_cost", "cost", "prepaid", "paid_full"} {
		if f, ok := toFloat(raw[key]); ok && f > 0 {
			v.Amount = &f
			break
		}
	}
	if v.Amount == nil {
		v.Amount = servicesTotal
	}

	if staff, ok := raw["staff"].(map[string]any); ok {
		if name := firstString(staff, "name", "title"); name != "" {
			v.Master = &name
		}
	}
	if v.Master == nil {
		if name := firstString(raw, "staff_name"); name != "" {
			v.Master = &name
		}
	}

	if dt := firstString(raw, "datetime", "date", "create_date"); dt != "" {
		v.VisitDatetime = &dt
	}

	if payload, err := json.Marshal(raw); err == nil {
		v.RawPayload = payload
	}
	return v
}

func visitStatus(raw map[string]any) string {
	if truthy(raw["deleted"]) || truthy(raw["canceled"]) {
		return VisitStatusCanceled
	}
	attendance, ok := raw["attendance"]
	if !ok || attendance == nil {
		attendance = raw["visit_attendance"]
	}
	if n, ok := toInt(attendance); ok {
		switch n {
		case 2:
			return VisitStatusConfirmed
		case 1:
			return VisitStatusCompleted
		case 0:
			return VisitStatusPending
		case -1:
			return VisitStatusNoShow
		}
	}
	if confirmed, ok := raw["confirmed"].(bool); ok && !confirmed {
		return VisitStatusNotConfirmed
	}
	return VisitStatusBooked
}

func idOf(m map[string]any, keys ...string) int64 {
	for _, k := range keys {
		if n, ok := toInt(m[k]); ok && n != 0 {
			return n
		}
	}
	return 0
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func firstFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := toFloat(m[k]); ok {
			return f, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(v any) (int64, bool) {
	switch val := v.(type) {
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return n, err == nil
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, true
		}
	}
	if f, ok := toFloat(v); ok {
		return int64(f), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case json.Number, float64, int, int64:
		n, _ := toFloat(val)
		return n != 0
	case string:
		return val != "" && val != "0" && !strings.EqualFold(val, "false")
	default:
		return false
	}
}
