package orchestrator

import (
	"encoding/json"
	"strings"
)

// parseAttributes parses a provider task/worker/participant attributes blob
// as JSON, treating malformed or empty input as an empty object.
func parseAttributes(raw string) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

func attrString(attrs map[string]any, key string) string {
	v, ok := attrs[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func attrNestedString(attrs map[string]any, outerKey, innerKey string) string {
	v, ok := attrs[outerKey]
	if !ok {
		return ""
	}
	nested, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := nested[innerKey].(string)
	return s
}

// conversationSidFromAttributes extracts and validates the conversationSid
// field.
func conversationSidFromAttributes(attrs map[string]any) (string, bool) {
	sid := attrString(attrs, "conversationSid")
	if sid == "" {
		sid = attrString(attrs, "conversation_sid")
	}
	if !strings.HasPrefix(sid, "CH") {
		return "", false
	}
	return sid, true
}

// customerNameFromAttributes resolves the display name by precedence:
// customers.name -> friendlyName -> from -> literal "cliente".
func customerNameFromAttributes(attrs map[string]any) string {
	if v := attrNestedString(attrs, "customers", "name"); v != "" {
		return v
	}
	if v := attrString(attrs, "friendlyName"); v != "" {
		return v
	}
	if v := attrString(attrs, "from"); v != "" {
		return v
	}
	return "cliente"
}

func customerAddressFromAttributes(attrs map[string]any) string {
	return attrString(attrs, "customerAddress")
}

func customerFromFromAttributes(attrs map[string]any) string {
	return attrString(attrs, "from")
}

func channelTypeFromAttributes(attrs map[string]any) string {
	return attrString(attrs, "channelType")
}

// fallbackWorkerName trims a reservation's carried worker name, defaulting
// to "Atendente".
func fallbackWorkerName(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "Atendente"
	}
	return trimmed
}

// workerDisplayNameFromAttributes picks a display name out of a Worker's
// own attributes blob: full_name | fullName | fullname | name, then
// friendlyName.
func workerDisplayNameFromAttributes(attrs map[string]any, friendlyName string) string {
	for _, key := range []string{"full_name", "fullName", "fullname", "name"} {
		if v := attrString(attrs, key); v != "" {
			return v
		}
	}
	if friendlyName != "" {
		return friendlyName
	}
	return ""
}

// isFallbackWorkerName reports whether name looks like a placeholder we
// generated ourselves rather than one resolved from the provider.
func isFallbackWorkerName(name string) bool {
	return name == "" || name == "Atendente"
}
