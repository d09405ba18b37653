package usagepipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ncecere/usage_tracker/internal/models"
)

// Keys the pipeline itself writes into a payload when it is requeued or
// dead-lettered.
const (
	keyEventID        = "event_id"
	keyRetryCount     = "retry_count"
	keyErrorMessage   = "error_message"
	keyDeadLetteredAt = "dead_lettered_at"
	keyRawPayload     = "raw_payload"
)

// envelope is the decoded queue payload. Unknown keys are preserved so a
// requeued or dead-lettered payload carries everything the producer sent.
type envelope map[string]any

var errMalformed = errors.New("malformed payload")

func decodeEnvelope(body []byte) (envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", errMalformed)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON object", errMalformed)
	}
	return env, nil
}

func (e envelope) encode() ([]byte, error) {
	return json.Marshal(map[string]any(e))
}

// withRetry returns a copy carrying the attempt count and last error.
func (e envelope) withRetry(retryCount int, message string) envelope {
	out := make(envelope, len(e)+2)
	for k, v := range e {
		out[k] = v
	}
	out[keyRetryCount] = retryCount
	out[keyErrorMessage] = message
	return out
}

func (e envelope) deadLettered(retryCount int, message string, at time.Time) envelope {
	out := e.withRetry(retryCount, message)
	out[keyDeadLetteredAt] = at.UTC().Format(time.RFC3339Nano)
	return out
}

// ResetForReplay prepares a dead-lettered payload for another pass through
// the pipeline: the attempt count restarts at zero and the failure markers
// are dropped. Everything else the producer sent is kept.
func ResetForReplay(body []byte) ([]byte, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	if _, ok := env[keyRawPayload]; ok {
		return nil, fmt.Errorf("%w: raw payload cannot be replayed", errMalformed)
	}
	env[keyRetryCount] = 0
	delete(env, keyErrorMessage)
	delete(env, keyDeadLetteredAt)
	return env.encode()
}

// eventFields holds the scalar fields checked by the struct validator once
// their JSON types are known to be right.
type eventFields struct {
	EventID         string `json:"event_id" validate:"required,max=255"`
	TenantID        string `json:"tenant_id" validate:"required,max=255"`
	UserID          string `json:"user_id" validate:"required,max=255"`
	ServiceType     string `json:"service_type" validate:"required,oneof=llm document_processor api custom"`
	ServiceProvider string `json:"service_provider" validate:"required,max=255"`
	EventType       string `json:"event_type" validate:"required,max=255"`
	SessionID       string `json:"session_id" validate:"omitempty,max=255"`
	RequestID       string `json:"request_id" validate:"omitempty,max=255"`
	RetryCount      int    `json:"retry_count" validate:"gte=0"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// parseEvent turns an envelope into a pending event. When validation fails
// the returned event still carries every field that could be read, so the
// rejection can be stored.
func parseEvent(env envelope, v *validator.Validate, now time.Time) (models.UsageEvent, *ValidationError) {
	ev := models.UsageEvent{Status: models.StatusPending, Timestamp: now, Metrics: models.Metrics{}}
	var firstErr *ValidationError
	fail := func(err *ValidationError) {
		if firstErr == nil {
			firstErr = err
		}
	}

	var fields eventFields
	str := func(key string, dst *string) {
		raw, ok := env[key]
		if !ok || raw == nil {
			return
		}
		s, isString := raw.(string)
		if !isString {
			fail(invalid(key, "must be a string, got %s", jsonType(raw)))
			return
		}
		*dst = strings.TrimSpace(s)
	}
	str(keyEventID, &fields.EventID)
	str("tenant_id", &fields.TenantID)
	str("user_id", &fields.UserID)
	str("service_type", &fields.ServiceType)
	str("service_provider", &fields.ServiceProvider)
	str("event_type", &fields.EventType)
	str("session_id", &fields.SessionID)
	str("request_id", &fields.RequestID)

	if st, ok := models.ParseServiceType(fields.ServiceType); ok {
		fields.ServiceType = string(st)
	}

	if raw, ok := env[keyRetryCount]; ok && raw != nil {
		n, err := toInt(raw)
		if err != nil {
			fail(invalid(keyRetryCount, "%v", err))
		}
		fields.RetryCount = n
	}

	ev.EventID = fields.EventID
	ev.TenantID = fields.TenantID
	ev.UserID = fields.UserID
	ev.ServiceType = models.ServiceType(fields.ServiceType)
	ev.ServiceProvider = fields.ServiceProvider
	ev.EventType = fields.EventType
	ev.SessionID = fields.SessionID
	ev.RequestID = fields.RequestID
	ev.RetryCount = max(fields.RetryCount, 0)

	if raw, ok := env["timestamp"]; ok && raw != nil {
		ts, err := parseTimestamp(raw)
		if err != nil {
			fail(invalid("timestamp", "%v", err))
		} else {
			ev.Timestamp = ts
		}
	}
	if raw, ok := env["metrics"]; ok && raw != nil {
		obj, isObj := raw.(map[string]any)
		if !isObj {
			fail(invalid("metrics", "must be an object, got %s", jsonType(raw)))
		} else {
			ev.Metrics = models.Metrics(obj)
		}
	}
	if raw, ok := env["metadata"]; ok && raw != nil {
		obj, isObj := raw.(map[string]any)
		if !isObj {
			fail(invalid("metadata", "must be an object, got %s", jsonType(raw)))
		} else {
			ev.Metadata = obj
		}
	}
	if raw, ok := env["tags"]; ok && raw != nil {
		tags, err := toStringSlice(raw)
		if err != nil {
			fail(invalid("tags", "%v", err))
		} else {
			ev.Tags = tags
		}
	}

	if firstErr != nil {
		return ev, firstErr
	}
	if err := v.Struct(fields); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return ev, describeFieldError(verrs[0])
		}
		return ev, invalid("", "%v", err)
	}
	return ev, nil
}

func describeFieldError(fe validator.FieldError) *ValidationError {
	switch fe.Tag() {
	case "required":
		return invalid(fe.Field(), "is required")
	case "max":
		return invalid(fe.Field(), "must be at most %s characters", fe.Param())
	case "oneof":
		return invalid(fe.Field(), "must be one of %s", fe.Param())
	case "gte":
		return invalid(fe.Field(), "must be >= %s", fe.Param())
	default:
		return invalid(fe.Field(), "failed %s check", fe.Tag())
	}
}

// parseTimestamp accepts RFC 3339 strings and unix seconds.
func parseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, fmt.Errorf("must be RFC 3339: %v", err)
		}
		return ts.UTC(), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid unix timestamp %s", v)
		}
		sec := int64(f)
		nsec := int64((f - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("must be a string or number, got %s", jsonType(raw))
	}
}

func toInt(raw any) (int, error) {
	switch v := raw.(type) {
	case json.Number:
		n, err := strconv.Atoi(v.String())
		if err != nil {
			return 0, fmt.Errorf("must be an integer, got %s", v)
		}
		return n, nil
	case int:
		return v, nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("must be an integer, got %v", v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("must be an integer, got %s", jsonType(raw))
	}
}

func toStringSlice(raw any) ([]string, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("must be an array of strings, got %s", jsonType(raw))
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("element %d must be a string, got %s", i, jsonType(item))
		}
		out = append(out, s)
	}
	return out, nil
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number, float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func newEventID() string { return uuid.NewString() }
