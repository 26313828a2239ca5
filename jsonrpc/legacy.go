package jsonrpc

import (
	"encoding/json"
)

// Methods produced by legacy translation and used for the system log stream.
const (
	MethodEdgeConfig         = "edgeConfig"
	MethodTimestampedData    = "timestampedData"
	MethodCurrentData        = "currentData"
	MethodSystemLog          = "systemLog"
	MethodLegacyData         = "legacyData"
	MethodSubscribeSystemLog = "subscribeSystemLog"
)

// LegacyObject is a schema-less payload from old edge firmware. Unknown keys
// are kept as-is.
type LegacyObject map[string]json.RawMessage

// MessageID is the correlation object of the legacy protocol. Backend ids are
// chosen by the gateway, ui ids by the UI that triggered the request.
type MessageID struct {
	Backend string `json:"backend,omitempty"`
	UI      string `json:"ui,omitempty"`
}

// LegacyReply is the response-like half of a legacy object that carries a
// messageId.
type LegacyReply struct {
	MessageID MessageID
	Payload   json.RawMessage
}

// Translation is the structured view of a LegacyObject. Reply is set when the
// object carried a messageId; Frame is the equivalent Request or Notification
// and is nil when the object is nothing but a reply.
type Translation struct {
	Reply *LegacyReply
	Frame Frame
}

// legacyKeys maps top-level legacy keys to notification methods, checked in order.
var legacyKeys = []struct {
	key    string
	method string
}{
	{"config", MethodEdgeConfig},
	{"timedata", MethodTimestampedData},
	{"currentData", MethodCurrentData},
	{"log", MethodSystemLog},
}

// Translate converts a legacy object without side effects.
func (o LegacyObject) Translate() Translation {
	var t Translation

	if raw, ok := o["messageId"]; ok {
		var mid MessageID
		// A messageId that is not an object is ignored, like any other unknown field.
		if err := json.Unmarshal(raw, &mid); err == nil {
			t.Reply = &LegacyReply{MessageID: mid, Payload: o.raw()}
		}
	}

	for _, k := range legacyKeys {
		if params, ok := o[k.key]; ok {
			t.Frame = &Notification{JSONRPC: Version, Method: k.method, Params: params}
			return t
		}
	}

	if t.Reply != nil && len(o.payloadKeys()) == 0 {
		return t
	}
	t.Frame = &Notification{JSONRPC: Version, Method: MethodLegacyData, Params: o.raw()}
	return t
}

// payloadKeys lists every key other than the correlation keys.
func (o LegacyObject) payloadKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		if k == "messageId" || k == "id" {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

func (o LegacyObject) raw() json.RawMessage {
	b, _ := json.Marshal(map[string]json.RawMessage(o))
	return b
}

// NewLegacyLogRequest builds the legacy form of a system log (un)subscribe.
// mode is "subscribe" or "unsubscribe".
func NewLegacyLogRequest(backendID, mode string) LegacyObject {
	mid, _ := json.Marshal(MessageID{Backend: backendID})
	log, _ := json.Marshal(map[string]string{"mode": mode})
	return LegacyObject{"messageId": mid, "log": log}
}
