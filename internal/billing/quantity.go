package billing

import (
	"errors"

	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_tracker/internal/models"
)

var (
	errMissing  = errors.New("metric missing")
	minuteInMil = decimal.NewFromInt(60000)
)

// Quantity reads the billable quantity for rule from the event's metrics.
func Quantity(ev models.UsageEvent, rule models.BillingRule) (decimal.Decimal, error) {
	qty, err := rawQuantity(ev, rule)
	if err != nil {
		return decimal.Zero, err
	}
	if qty.IsNegative() {
		return decimal.Zero, &InputError{Field: quantityField(ev, rule), Reason: "quantity is negative"}
	}
	return qty, nil
}

func rawQuantity(ev models.UsageEvent, rule models.BillingRule) (decimal.Decimal, error) {
	m := ev.Metrics
	if rule.QuantityMetric != "" {
		return required(m, rule.QuantityMetric)
	}
	switch rule.BillingUnit {
	case models.UnitTokens:
		return required(m, "total_tokens")
	case models.UnitRequests:
		return optional(m, "request_count", decimal.NewFromInt(1))
	case models.UnitPages:
		return required(m, "pages_processed")
	case models.UnitBytes:
		if ev.ServiceType == models.ServiceDocumentProcessor {
			return required(m, "file_size_bytes")
		}
		payload, hasPayload, err := m.Number("payload_size_bytes")
		if err != nil {
			return decimal.Zero, &InputError{Field: "payload_size_bytes", Reason: "not a number", Err: err}
		}
		response, hasResponse, err := m.Number("response_size_bytes")
		if err != nil {
			return decimal.Zero, &InputError{Field: "response_size_bytes", Reason: "not a number", Err: err}
		}
		if hasPayload || hasResponse {
			return payload.Add(response), nil
		}
		return required(m, "bytes")
	case models.UnitMinutes:
		for _, key := range []string{"response_time_ms", "duration_ms"} {
			v, ok, err := m.Number(key)
			if err != nil {
				return decimal.Zero, &InputError{Field: key, Reason: "not a number", Err: err}
			}
			if ok {
				return v.Div(minuteInMil), nil
			}
		}
		return decimal.Zero, &InputError{Field: "response_time_ms", Reason: "missing", Err: errMissing}
	case models.UnitCustom:
		return required(m, "quantity")
	default:
		return decimal.Zero, &InputError{Field: "billing_unit", Reason: "unsupported unit " + string(rule.BillingUnit)}
	}
}

func quantityField(ev models.UsageEvent, rule models.BillingRule) string {
	if rule.QuantityMetric != "" {
		return rule.QuantityMetric
	}
	switch rule.BillingUnit {
	case models.UnitTokens:
		return "total_tokens"
	case models.UnitPages:
		return "pages_processed"
	case models.UnitRequests:
		return "request_count"
	case models.UnitBytes:
		if ev.ServiceType == models.ServiceDocumentProcessor {
			return "file_size_bytes"
		}
		return "bytes"
	default:
		return string(rule.BillingUnit)
	}
}

func required(m models.Metrics, key string) (decimal.Decimal, error) {
	v, ok, err := m.Number(key)
	if err != nil {
		return decimal.Zero, &InputError{Field: key, Reason: "not a number", Err: err}
	}
	if !ok {
		return decimal.Zero, &InputError{Field: key, Reason: "missing", Err: errMissing}
	}
	return v, nil
}

func optional(m models.Metrics, key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v, ok, err := m.Number(key)
	if err != nil {
		return decimal.Zero, &InputError{Field: key, Reason: "not a number", Err: err}
	}
	if !ok {
		return fallback, nil
	}
	return v, nil
}
