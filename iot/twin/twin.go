package twin

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/dmtools/iot"
)

// Twin is the device twin as returned by the registry
type Twin struct {
	DeviceID         string                 `json:"deviceId"`
	ModuleID         string                 `json:"moduleId,omitempty"`
	ETag             string                 `json:"etag"`
	DeviceETag       string                 `json:"deviceEtag,omitempty"`
	Status           string                 `json:"status,omitempty"`
	StatusReason     string                 `json:"statusReason,omitempty"`
	ConnectionState  string                 `json:"connectionState,omitempty"`
	LastActivityTime *time.Time             `json:"lastActivityTime,omitempty"`
	Version          int64                  `json:"version,omitempty"`
	Tags             map[string]interface{} `json:"tags,omitempty"`
	Properties       *Properties            `json:"properties,omitempty"`

	// Raw is the document as the registry sent it, including fields Twin does not declare
	Raw json.RawMessage `json:"-"`
}

// Parse decodes a twin document and keeps it as Raw
func Parse(data []byte) (*Twin, error) {
	t := &Twin{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, err
	}
	t.Raw = append(json.RawMessage(nil), data...)
	return t, nil
}

// Properties holds both sides of the twin
type Properties struct {
	Desired  map[string]interface{} `json:"desired,omitempty"`
	Reported map[string]interface{} `json:"reported,omitempty"`
}

// Desired returns the desired properties, nil if there are none
func (t *Twin) Desired() map[string]interface{} {
	if t == nil || t.Properties == nil {
		return nil
	}
	return t.Properties.Desired
}

// Reported returns the reported properties, nil if there are none
func (t *Twin) Reported() map[string]interface{} {
	if t == nil || t.Properties == nil {
		return nil
	}
	return t.Properties.Reported
}

// Patch is a change of a single desired property.
//
// A Patch can only be created with NewDesiredPatch and always serializes to valid JSON.
type Patch struct {
	name  string
	value json.RawMessage
}

// NewDesiredPatch creates a patch which sets the desired property name to value.
//
// value can be
//   - nil, which deletes the property,
//   - a string, []byte or json.RawMessage holding a JSON fragment, e.g. `"red"` with quotes,
//     42 or {"interval": 5},
//   - any other Go value, which gets marshaled to JSON.
//
// Errors wrap iot.ErrMalformedRequest.
func NewDesiredPatch(name string, value interface{}) (*Patch, error) {
	if name == "" {
		return nil, fmt.Errorf("empty property name: %w", iot.ErrMalformedRequest)
	}

	var raw []byte
	switch v := value.(type) {
	case nil:
		raw = []byte("null")
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("value of property %s: %v: %w", name, err, iot.ErrMalformedRequest)
		}
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, raw); err != nil {
		return nil, fmt.Errorf("value of property %s is not valid JSON: %w", name, iot.ErrMalformedRequest)
	}
	return &Patch{name: name, value: compacted.Bytes()}, nil
}

// Name returns the property name
func (p *Patch) Name() string {
	return p.name
}

// Value returns the JSON value of the property
func (p *Patch) Value() json.RawMessage {
	return p.value
}

// Document returns the patch as {"properties": {"<name>": <value>}}
func (p *Patch) Document() []byte {
	doc, _ := json.Marshal(map[string]interface{}{
		"properties": map[string]json.RawMessage{p.name: p.value},
	})
	return doc
}

// Body returns the patch the way the registry expects it, nested in the
// desired section: {"properties": {"desired": {"<name>": <value>}}}
func (p *Patch) Body() []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"properties": map[string]interface{}{
			"desired": map[string]json.RawMessage{p.name: p.value},
		},
	})
	return body
}

// Snapshot holds the JSON views of a twin read at one point in time
type Snapshot struct {
	Device   string `json:"device"`
	Tags     string `json:"tags"`
	Reported string `json:"reported"`
	Desired  string `json:"desired"`
}

// sections of a twin document, kept as JSON text so numbers are not converted
type sections struct {
	Tags       json.RawMessage `json:"tags"`
	Properties struct {
		Desired  json.RawMessage `json:"desired"`
		Reported json.RawMessage `json:"reported"`
	} `json:"properties"`
}

// NewSnapshot serializes the four views of t independently. The views are taken from the
// raw document if t has one, so they carry every field and number of the registry unchanged.
// A nil twin yields the zero snapshot, missing sections yield "{}".
func NewSnapshot(t *Twin) Snapshot {
	if t == nil {
		return Snapshot{}
	}
	raw := t.Raw
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(t); err != nil {
			return Snapshot{}
		}
	}
	var sec sections
	if err := json.Unmarshal(raw, &sec); err != nil {
		return Snapshot{Device: indent(raw), Tags: "{}", Reported: "{}", Desired: "{}"}
	}
	return Snapshot{
		Device:   indent(raw),
		Tags:     indent(sec.Tags),
		Reported: indent(sec.Properties.Reported),
		Desired:  indent(sec.Properties.Desired),
	}
}

func indent(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "{}"
	}
	var out bytes.Buffer
	if err := json.Indent(&out, trimmed, "", "  "); err != nil {
		return "{}"
	}
	return out.String()
}
