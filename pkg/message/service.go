package message

import (
	"encoding/json"
	"strings"
)

// HandlersType is the reserved introspection handler every domain answers.
const HandlersType = "handlers"

// ServiceMessage is the domain payload carried inside an envelope.
type ServiceMessage struct {
	Type         string          `json:"type,omitempty"`
	Info         json.RawMessage `json:"info,omitempty"`
	Origin       string          `json:"origin,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	AccountID    string          `json:"accountId,omitempty"`
	Langs        []string        `json:"langs,omitempty"`
}

// HandlersInfo is the reply to the reserved handlers request.
type HandlersInfo struct {
	Domain   string   `json:"domain"`
	Handlers []string `json:"handlers"`
	Version  string   `json:"version,omitempty"`
}

// ErrorPayload is the payload of error and anomaly envelopes. RequestData holds the
// original request payload so the reply can be routed back to its origin.
type ErrorPayload struct {
	Code        string          `json:"code"`
	Message     string          `json:"message"`
	Info        json.RawMessage `json:"info,omitempty"`
	RequestData json.RawMessage `json:"requestData,omitempty"`
}

// QualifiedType builds "{domain}.{handler}".
func QualifiedType(domain, handler string) string {
	return domain + "." + handler
}

// SplitType splits "{domain}.{handler}" at the first dot.
func SplitType(t string) (domain, handler string) {
	idx := strings.Index(t, ".")
	if idx < 0 {
		return "", t
	}
	return t[:idx], t[idx+1:]
}

// LocalType strips the domain prefix from t. Types from another domain are returned unchanged.
func LocalType(domain, t string) string {
	return strings.TrimPrefix(t, domain+".")
}

// EncodeInfo marshals v for use as ServiceMessage.Info. Raw JSON passes through untouched.
func EncodeInfo(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	return json.Marshal(v)
}
