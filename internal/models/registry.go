package models

import (
	"time"

	"github.com/google/uuid"
)

// ServiceRegistryEntry describes how events of one service type are
// validated, enriched and rolled up.
type ServiceRegistryEntry struct {
	ID               uuid.UUID        `json:"id"`
	ServiceType      ServiceType      `json:"service_type"`
	ServiceName      string           `json:"service_name"`
	Providers        []string         `json:"providers"`
	RequiredFields   []string         `json:"required_fields"`
	OptionalFields   []string         `json:"optional_fields"`
	BillingConfig    map[string]any   `json:"billing_config"`
	AggregationRules AggregationRules `json:"aggregation_rules"`
	IsActive         bool             `json:"is_active"`
	Version          string           `json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// AllowsProvider reports whether provider is accepted. An empty provider
// list accepts any provider.
func (e ServiceRegistryEntry) AllowsProvider(provider string) bool {
	if len(e.Providers) == 0 {
		return true
	}
	for _, p := range e.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

// AggregationRules lists the metric keys summed and averaged in rollups and
// the derived metrics computed at enrichment time.
type AggregationRules struct {
	Sum     []string        `json:"sum,omitempty"`
	Avg     []string        `json:"avg,omitempty"`
	Derived []DerivedMetric `json:"derived,omitempty"`
}

// IsZero reports whether no rule is configured.
func (r AggregationRules) IsZero() bool {
	return len(r.Sum) == 0 && len(r.Avg) == 0 && len(r.Derived) == 0
}

type DerivedMetric struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// DefaultAggregationRules returns the built-in rollup metrics for a service
// type, used when the registry entry leaves them unset.
func DefaultAggregationRules(st ServiceType) AggregationRules {
	switch st {
	case ServiceLLM:
		return AggregationRules{
			Sum: []string{"input_tokens", "output_tokens", "total_tokens"},
			Avg: []string{"input_tokens", "output_tokens", "latency_ms"},
		}
	case ServiceDocumentProcessor:
		return AggregationRules{
			Sum: []string{"pages_processed", "characters_extracted"},
			Avg: []string{"processing_time_ms", "latency_ms"},
		}
	case ServiceAPI:
		return AggregationRules{
			Sum: []string{"request_count", "payload_size_bytes", "response_size_bytes"},
			Avg: []string{"response_time_ms", "latency_ms"},
		}
	default:
		return AggregationRules{Avg: []string{"latency_ms"}}
	}
}
