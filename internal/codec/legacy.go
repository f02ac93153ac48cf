package codec

import (
	"encoding/json"

	"github.com/clasp-systems/clasp/internal/value"
)

// decodeLegacy handles payloads that do not start with a recognised v1
// message-type byte. The legacy ecosystem this fabric replaces represented
// every message as a self-describing JSON object
// (`{"type":"set","address":"/a","value":1}`) rather than a fixed binary
// tag; bridges and older clients may still speak it. CLASP only ever
// *emits* v1 frames (§4.1 "emission is always v1") — this path exists
// purely so the Router and Client can still understand such a peer.
func decodeLegacy(data []byte) (Message, error) {
	if len(data) == 0 || data[0] != '{' {
		return nil, &UnknownMessageTypeError{Tag: data[0]}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, &DecodeError{Detail: "legacy: " + err.Error()}
	}

	typ := jsonString(obj["type"])
	addr := jsonString(obj["address"])

	switch typ {
	case "set":
		v, _ := jsonToValue(obj["value"])
		return Set{Address: addr, Value: v}, nil
	case "get":
		return Get{Address: addr}, nil
	case "subscribe":
		return Subscribe{Pattern: addr}, nil
	case "unsubscribe":
		return Unsubscribe{}, nil
	default:
		v, _ := jsonToValue(obj["value"])
		return Publish{Address: addr, Value: v, HasValue: true}, nil
	}
}

func jsonString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func jsonToValue(raw json.RawMessage) (value.Value, error) {
	if len(raw) == 0 {
		return value.Null(), nil
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return value.Null(), err
	}
	return jsonGenericToValue(generic), nil
}

func jsonGenericToValue(v any) value.Value {
	switch t := v.(type) {
	case nil:
		return value.Null()
	case bool:
		return value.Bool(t)
	case float64:
		if t == float64(int64(t)) {
			return value.Int(int64(t))
		}
		return value.Float(t)
	case string:
		return value.String(t)
	case []any:
		elems := make([]value.Value, 0, len(t))
		for _, e := range t {
			elems = append(elems, jsonGenericToValue(e))
		}
		return value.Array(elems...)
	case map[string]any:
		m := make(map[string]value.Value, len(t))
		for k, e := range t {
			m[k] = jsonGenericToValue(e)
		}
		return value.Map(m)
	default:
		return value.Null()
	}
}
