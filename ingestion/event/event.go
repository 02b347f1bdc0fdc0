// Package event contains the wire and decoded representations of the analytics events consumed by the
// ingestion router, together with the decoding logic turning the former into the latter.
package event

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
)

// Header names set by the capture endpoint on every produced message. All of them are optional.
const (
	HeaderToken      = "api_token"
	HeaderTeamID     = "team_id"
	HeaderCapturedAt = "captured_at"
)

// ErrMalformedMessage is returned (wrapped) when a message payload cannot be decoded into a [ParsedEvent]
var ErrMalformedMessage = errors.New("malformed message")

var json = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Header is a key/value pair set on a message
type Header struct {
	Key   string
	Value []byte
}

// InboundMessage is a message as delivered by the queue consumer. It is read-only for the ingestion router.
type InboundMessage struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

// Header returns the value of the last header with the given name
func (m *InboundMessage) Header(name string) (string, bool) {
	for i := len(m.Headers) - 1; i >= 0; i-- {
		if m.Headers[i].Key == name {
			return string(m.Headers[i].Value), true
		}
	}
	return "", false
}

// String identifies the message by its position in the queue
func (m *InboundMessage) String() string {
	return m.Topic + "/" + strconv.Itoa(m.Partition) + "@" + strconv.FormatInt(m.Offset, 10)
}

// ParsedEvent is the decoded form of an [InboundMessage].
// TeamID is nil for events whose team still has to be resolved by the fallback pipeline.
type ParsedEvent struct {
	UUID       string         `json:"uuid"`
	DistinctID string         `json:"distinct_id"`
	Token      string         `json:"token,omitempty"`
	TeamID     *int64         `json:"team_id,omitempty"`
	IP         *string        `json:"ip"`
	SiteURL    *string        `json:"site_url"`
	Now        string         `json:"now"`
	SentAt     *string        `json:"sent_at,omitempty"`
	Event      string         `json:"event"`
	Timestamp  *string        `json:"timestamp,omitempty"`
	Offset     *int64         `json:"offset,omitempty"`
	Properties map[string]any `json:"properties"`
}

// HasTeam returns true if the team of the event has already been resolved
func (e *ParsedEvent) HasTeam() bool {
	return e.TeamID != nil
}

// Marshal encodes the event into the json payload handed over to the pipelines
func (e *ParsedEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes the payload of a message. The payload is a json envelope produced by the capture endpoint
// whose "data" field contains the json encoded event itself; fields of the inner event take precedence
// over the ones of the envelope.
func Parse(msg *InboundMessage) (*ParsedEvent, error) {
	malformed := func(reason string, args ...any) error {
		return fmt.Errorf("%w %s: %s", ErrMalformedMessage, msg, fmt.Sprintf(reason, args...))
	}
	if len(msg.Value) == 0 {
		return nil, malformed("empty payload")
	}

	var envelope map[string]any
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return nil, malformed("decoding envelope: %v", err)
	}
	combined := envelope
	if rawData, ok := envelope["data"]; ok {
		delete(combined, "data")
		data, ok := rawData.(string)
		if !ok {
			return nil, malformed("data is not a string but %T", rawData)
		}
		var inner map[string]any
		if err := json.UnmarshalFromString(data, &inner); err != nil {
			return nil, malformed("decoding data: %v", err)
		}
		for k, v := range inner {
			combined[k] = v
		}
	}
	return normalize(combined, malformed)
}

func normalize(raw map[string]any, malformed func(string, ...any) error) (*ParsedEvent, error) {
	var (
		e   ParsedEvent
		err error
	)
	if raw["distinct_id"] == nil {
		return nil, malformed("missing distinct_id")
	}
	if e.DistinctID, err = cast.ToStringE(raw["distinct_id"]); err != nil {
		return nil, malformed("distinct_id: %v", err)
	}

	switch v := raw["uuid"].(type) {
	case nil:
		e.UUID = uuid.NewString()
	case string:
		if _, err := uuid.Parse(v); err != nil {
			return nil, malformed("uuid %q: %v", v, err)
		}
		e.UUID = v
	default:
		return nil, malformed("uuid is not a string but %T", v)
	}

	if v := raw["team_id"]; v != nil {
		teamID, err := cast.ToInt64E(v)
		if err != nil {
			return nil, malformed("team_id: %v", err)
		}
		if teamID != 0 {
			e.TeamID = &teamID
		}
	}
	if v := raw["offset"]; v != nil {
		offset, err := cast.ToInt64E(v)
		if err != nil {
			return nil, malformed("offset: %v", err)
		}
		e.Offset = &offset
	}

	e.Token = cast.ToString(raw["token"])
	e.Event = cast.ToString(raw["event"])
	e.Now = cast.ToString(raw["now"])
	e.IP = optionalString(raw["ip"])
	e.SiteURL = optionalString(raw["site_url"])
	e.SentAt = optionalString(raw["sent_at"])
	e.Timestamp = optionalString(raw["timestamp"])

	e.Properties = map[string]any{}
	if v := raw["properties"]; v != nil {
		props, ok := v.(map[string]any)
		if !ok {
			return nil, malformed("properties is not an object but %T", v)
		}
		e.Properties = props
	}
	for _, key := range []string{"$set", "$set_once"} {
		set, ok := raw[key].(map[string]any)
		if !ok || len(set) == 0 {
			continue
		}
		merged, _ := e.Properties[key].(map[string]any)
		if merged == nil {
			merged = make(map[string]any, len(set))
		}
		for k, v := range set {
			merged[k] = v
		}
		e.Properties[key] = merged
	}
	if _, ok := e.Properties["$ip"]; !ok && e.IP != nil {
		e.Properties["$ip"] = *e.IP
	}
	return &e, nil
}

// optionalString returns nil for missing and empty values
func optionalString(v any) *string {
	s := cast.ToString(v)
	if s == "" {
		return nil
	}
	return &s
}
