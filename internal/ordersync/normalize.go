package ordersync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ActionKind is the closed set of actions a CRM record can request against
// the commerce platform.
type ActionKind string

const (
	ActionRefundCreate       ActionKind = "refund_create"
	ActionAddressUpdate      ActionKind = "address_update"
	ActionFulfillmentTrigger ActionKind = "fulfillment_trigger"
)

// ActionRequest is a normalized instruction extracted from a deal's custom
// field. Two requests with equal (SourceRecordID, Fingerprint) are the same
// logical operation.
type ActionRequest struct {
	Kind           ActionKind      `json:"kind"`
	SourceRecordID string          `json:"sourceRecordId"`
	Payload        json.RawMessage `json:"payload"`
	Fingerprint    string          `json:"fingerprint"`
}

// CorrelationID tags provenance markers and de-duplicates resubmissions.
func (a ActionRequest) CorrelationID() string {
	return a.SourceRecordID + ":" + a.Fingerprint
}

type RefundCreatePayload struct {
	OrderID  string   `json:"order_id"`
	Amount   *float64 `json:"amount,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Notify   bool     `json:"notify,omitempty"`
	LineItem []struct {
		ID       string `json:"id"`
		Quantity int    `json:"quantity"`
	} `json:"line_items,omitempty"`
}

type AddressUpdatePayload struct {
	OrderID string  `json:"order_id"`
	Address Address `json:"address"`
}

type FulfillmentTriggerPayload struct {
	OrderID    string `json:"order_id"`
	LocationID string `json:"location_id,omitempty"`
	Notify     bool   `json:"notify,omitempty"`
}

const refundCreateSchema = `{
	"type": "object",
	"required": ["order_id"],
	"properties": {
		"order_id": {"type": "string", "minLength": 1},
		"amount": {"type": "number", "exclusiveMinimum": 0},
		"reason": {"type": "string"},
		"notify": {"type": "boolean"},
		"line_items": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "quantity"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"quantity": {"type": "integer", "minimum": 0}
				}
			}
		}
	}
}`

const addressUpdateSchema = `{
	"type": "object",
	"required": ["order_id", "address"],
	"properties": {
		"order_id": {"type": "string", "minLength": 1},
		"address": {
			"type": "object",
			"minProperties": 1
		}
	}
}`

const fulfillmentTriggerSchema = `{
	"type": "object",
	"required": ["order_id"],
	"properties": {
		"order_id": {"type": "string", "minLength": 1},
		"location_id": {"type": "string"},
		"notify": {"type": "boolean"}
	}
}`

var actionSchemas = map[ActionKind]*jsonschema.Schema{}

func init() {
	compiler := jsonschema.NewCompiler()
	for kind, text := range map[ActionKind]string{
		ActionRefundCreate:       refundCreateSchema,
		ActionAddressUpdate:      addressUpdateSchema,
		ActionFulfillmentTrigger: fulfillmentTriggerSchema,
	} {
		name := string(kind) + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			panic(fmt.Sprintf("action schema %s: %v", kind, err))
		}
		if err := compiler.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("action schema %s: %v", kind, err))
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("action schema %s: %v", kind, err))
		}
		actionSchemas[kind] = schema
	}
}

// NormalizeAction canonicalizes a raw action payload and derives its
// fingerprint. A nil result with an error means the action is malformed and
// must be treated as a hard stop for that event, never retried.
func NormalizeAction(kind ActionKind, sourceRecordID string, raw []byte) (*ActionRequest, error) {
	if strings.TrimSpace(sourceRecordID) == "" {
		return nil, fmt.Errorf("%w: source record id is required", ErrInvalidInput)
	}
	schema, ok := actionSchemas[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported action kind %q", ErrInvalidInput, kind)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: action payload is not valid JSON: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: action payload rejected: %v", ErrInvalidInput, err)
	}
	canonical, err := canonicalJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return &ActionRequest{
		Kind:           kind,
		SourceRecordID: strings.TrimSpace(sourceRecordID),
		Payload:        canonical,
		Fingerprint:    fingerprintCanonical(kind, canonical),
	}, nil
}

// Fingerprint hashes an arbitrary payload value over its canonical
// serialization; identical for semantically-identical payloads regardless of
// key order or whitespace.
func Fingerprint(kind ActionKind, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	canonical, err := canonicalJSON(data)
	if err != nil {
		return "", err
	}
	return fingerprintCanonical(kind, canonical), nil
}

const fingerprintDomain = "ordersync/action/v1"

func fingerprintCanonical(kind ActionKind, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(kind))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-serializes with recursively sorted object keys and no
// insignificant whitespace.
func canonicalJSON(raw []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("canonicalize: %v", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyData, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(keyData)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(v.String())
		return nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(data)
		return nil
	}
}
