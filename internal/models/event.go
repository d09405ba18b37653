package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	decimal "github.com/shopspring/decimal"
)

// ServiceType identifies the family of service that emitted an event.
type ServiceType string

const (
	ServiceLLM               ServiceType = "llm"
	ServiceDocumentProcessor ServiceType = "document_processor"
	ServiceAPI               ServiceType = "api"
	ServiceCustom            ServiceType = "custom"
)

// ParseServiceType normalizes a raw service type, accepting the legacy
// llm_service and api_service spellings.
func ParseServiceType(raw string) (ServiceType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "llm", "llm_service":
		return ServiceLLM, true
	case "document_processor":
		return ServiceDocumentProcessor, true
	case "api", "api_service":
		return ServiceAPI, true
	case "custom":
		return ServiceCustom, true
	default:
		return "", false
	}
}

type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusCompleted EventStatus = "completed"
	StatusFailed    EventStatus = "failed"
)

// UsageEvent is the normalized, stored form of one unit of usage.
type UsageEvent struct {
	ID              uuid.UUID           `json:"id"`
	EventID         string              `json:"event_id"`
	TenantID        string              `json:"tenant_id"`
	UserID          string              `json:"user_id"`
	ServiceType     ServiceType         `json:"service_type"`
	ServiceProvider string              `json:"service_provider"`
	EventType       string              `json:"event_type"`
	Timestamp       time.Time           `json:"timestamp"`
	Metrics         Metrics             `json:"metrics"`
	BillingInfo     *BillingInfo        `json:"billing_info,omitempty"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
	Tags            []string            `json:"tags,omitempty"`
	Status          EventStatus         `json:"status"`
	TotalCost       decimal.NullDecimal `json:"total_cost"`
	SessionID       string              `json:"session_id,omitempty"`
	RequestID       string              `json:"request_id,omitempty"`
	RetryCount      int                 `json:"retry_count"`
	ErrorMessage    string              `json:"error_message,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// BillingInfo records how total_cost was derived for an event.
type BillingInfo struct {
	RuleID            string              `json:"rule_id"`
	ModelOrTier       string              `json:"model_or_tier,omitempty"`
	BillingUnit       BillingUnit         `json:"billing_unit"`
	Quantity          decimal.Decimal     `json:"quantity"`
	RatePerUnit       decimal.Decimal     `json:"rate_per_unit"`
	CalculationMethod CalculationMethod   `json:"calculation_method"`
	BaseCost          decimal.Decimal     `json:"base_cost"`
	MinimumCharge     decimal.NullDecimal `json:"minimum_charge"`
	TotalCost         decimal.Decimal     `json:"total_cost"`
	CalculatedAt      time.Time           `json:"calculated_at"`
}

// Metrics is the open, service-specific measurement map carried by events.
type Metrics map[string]any

// Clone returns a shallow copy safe for adding top-level keys.
func (m Metrics) Clone() Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Lookup resolves a key, descending into nested objects on dotted paths.
func (m Metrics) Lookup(path string) (any, bool) {
	if v, ok := m[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var cur any = map[string]any(m)
	for _, part := range parts {
		obj, ok := asObject(cur)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Number returns the metric at path as a decimal. ok is false when the key is
// absent; err is set when the key exists but does not hold a number.
func (m Metrics) Number(path string) (value decimal.Decimal, ok bool, err error) {
	raw, found := m.Lookup(path)
	if !found || raw == nil {
		return decimal.Zero, false, nil
	}
	d, err := ToDecimal(raw)
	if err != nil {
		return decimal.Zero, true, fmt.Errorf("metric %q: %w", path, err)
	}
	return d, true, nil
}

// Text returns the metric at path when it is a non-empty string.
func (m Metrics) Text(path string) (string, bool) {
	raw, found := m.Lookup(path)
	if !found {
		return "", false
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// ToDecimal converts a JSON-decoded numeric value into a decimal.
func ToDecimal(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case bool:
		return decimal.Zero, fmt.Errorf("expected number, got bool")
	case string:
		return decimal.Zero, fmt.Errorf("expected number, got string %s", strconv.Quote(v))
	default:
		return decimal.Zero, fmt.Errorf("expected number, got %T", raw)
	}
}

func asObject(v any) (map[string]any, bool) {
	switch obj := v.(type) {
	case map[string]any:
		return obj, true
	case Metrics:
		return obj, true
	default:
		return nil, false
	}
}
