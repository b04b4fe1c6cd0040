package ledger

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/hilthontt/monopoly/internal/domain"
)

// Object is a ledger object with its Move fields left raw. Accessors decode
// individual fields on demand.
type Object struct {
	ObjectID string                     `json:"objectId"`
	Version  string                     `json:"version"`
	Type     string                     `json:"type"`
	Fields   map[string]json.RawMessage `json:"fields"`
}

// Kind returns the struct name of the event type.
func (e Event) Kind() string {
	return domain.EventKind(e.Type)
}

// Has reports whether the field is present and not null.
func (o Object) Has(name string) bool {
	raw, ok := o.Fields[name]
	return ok && !isNull(raw)
}

func (o Object) String(name string) (string, bool) {
	raw, ok := o.Fields[name]
	if !ok || isNull(raw) {
		return "", false
	}
	raw = unwrapOption(raw)
	if isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (o Object) U64(name string) (uint64, bool) {
	raw, ok := o.Fields[name]
	if !ok || isNull(raw) {
		return 0, false
	}
	return parseU64(unwrapOption(raw))
}

// U64s decodes a vector<u64>. A missing field yields nil, an empty vector a
// non-nil empty slice.
func (o Object) U64s(name string) []uint64 {
	raw, ok := o.Fields[name]
	if !ok || isNull(raw) {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]uint64, 0, len(items))
	for _, item := range items {
		if v, ok := parseU64(item); ok {
			out = append(out, v)
		}
	}
	return out
}

// Strings decodes a vector of addresses or ids. Wrapped UID values
// ({"id": "0x.."}) are flattened.
func (o Object) Strings(name string) []string {
	raw, ok := o.Fields[name]
	if !ok || isNull(raw) {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := parseID(item); ok {
			out = append(out, s)
		}
	}
	return out
}

// U64Map decodes a VecMap<address, u64>. Both the object content shape
// ({"fields":{"contents":[{"fields":{"key","value"}}]}}) and the event shape
// ({"contents":[{"key","value"}]}) are accepted.
func (o Object) U64Map(name string) map[string]uint64 {
	raw, ok := o.Fields[name]
	if !ok || isNull(raw) {
		return nil
	}
	var vm struct {
		Contents []json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(unwrapFields(raw), &vm); err != nil {
		return nil
	}
	out := make(map[string]uint64, len(vm.Contents))
	for _, entry := range vm.Contents {
		var kv struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(unwrapFields(entry), &kv); err != nil {
			continue
		}
		if v, ok := parseU64(kv.Value); ok {
			out[kv.Key] = v
		}
	}
	return out
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// unwrapFields descends into {"type": .., "fields": {..}} wrappers.
func unwrapFields(raw json.RawMessage) json.RawMessage {
	var wrapper struct {
		Fields json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Fields) > 0 {
		return wrapper.Fields
	}
	return raw
}

// unwrapOption flattens Option<T> rendered as {"vec": [v]}.
func unwrapOption(raw json.RawMessage) json.RawMessage {
	var opt struct {
		Vec []json.RawMessage `json:"vec"`
	}
	if err := json.Unmarshal(unwrapFields(raw), &opt); err == nil && opt.Vec != nil {
		if len(opt.Vec) == 0 {
			return json.RawMessage("null")
		}
		return opt.Vec[0]
	}
	return raw
}

func parseU64(raw json.RawMessage) (uint64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}

func parseID(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var uid struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(unwrapFields(raw), &uid); err == nil && len(uid.ID) > 0 {
		return parseID(uid.ID)
	}
	return "", false
}
