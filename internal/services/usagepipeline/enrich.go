package usagepipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	decimal "github.com/shopspring/decimal"

	"github.com/ncecere/usage_tracker/internal/expr"
	"github.com/ncecere/usage_tracker/internal/models"
)

// Enrich adds derived metrics to a validated event. It does not mutate ev's
// metrics map; the returned event carries a copy.
//
// Built-in derivations only fill keys the producer left unset:
//   - total_tokens = input_tokens + output_tokens
//   - session_duration_ms from session_start/session_end (RFC 3339) or
//     start_ts/end_ts (unix seconds)
//
// The entry's derived expressions run afterwards, in order, and may read the
// built-in results and earlier derived metrics.
func Enrich(ev models.UsageEvent, entry models.ServiceRegistryEntry) (models.UsageEvent, error) {
	metrics := ev.Metrics.Clone()

	if _, exists := metrics["total_tokens"]; !exists {
		in, inOK, inErr := metrics.Number("input_tokens")
		out, outOK, outErr := metrics.Number("output_tokens")
		if err := errors.Join(inErr, outErr); err != nil {
			return ev, &EnrichmentError{Metric: "total_tokens", Err: err}
		}
		if inOK && outOK {
			metrics["total_tokens"] = numberValue(in.Add(out))
		}
	}

	if _, exists := metrics["session_duration_ms"]; !exists {
		d, ok, err := sessionDuration(metrics)
		if err != nil {
			return ev, &EnrichmentError{Metric: "session_duration_ms", Err: err}
		}
		if ok {
			metrics["session_duration_ms"] = numberValue(d)
		}
	}

	for _, derived := range entry.AggregationRules.Derived {
		name := strings.TrimSpace(derived.Name)
		if name == "" {
			continue
		}
		value, err := expr.Eval(derived.Expression, metricResolver(metrics))
		if err != nil {
			return ev, &EnrichmentError{Metric: name, Err: err}
		}
		metrics[name] = numberValue(value)
	}

	ev.Metrics = metrics
	return ev, nil
}

func sessionDuration(m models.Metrics) (decimal.Decimal, bool, error) {
	if start, ok := m.Text("session_start"); ok {
		end, ok := m.Text("session_end")
		if !ok {
			return decimal.Zero, false, nil
		}
		s, err := time.Parse(time.RFC3339Nano, start)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("session_start: %w", err)
		}
		e, err := time.Parse(time.RFC3339Nano, end)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("session_end: %w", err)
		}
		return decimal.NewFromInt(e.Sub(s).Milliseconds()), true, nil
	}

	start, startOK, err := m.Number("start_ts")
	if err != nil {
		return decimal.Zero, false, err
	}
	end, endOK, err := m.Number("end_ts")
	if err != nil {
		return decimal.Zero, false, err
	}
	if !startOK || !endOK {
		return decimal.Zero, false, nil
	}
	return end.Sub(start).Mul(decimal.NewFromInt(1000)), true, nil
}

func metricResolver(m models.Metrics) expr.Resolver {
	return expr.ResolverFunc(func(name string) (decimal.Decimal, error) {
		v, ok, err := m.Number(name)
		if err != nil {
			return decimal.Zero, err
		}
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s", expr.ErrUnknownIdentifier, name)
		}
		return v, nil
	})
}

// numberValue stores a decimal as a JSON number so it survives persistence
// without becoming a string.
func numberValue(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
