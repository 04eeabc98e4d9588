package router

import (
	"encoding/json"
	"fmt"
)

// successorRequestMethod and successorNotificationMethod are the opaque
// envelope methods used to carry a forward/backward message across any
// hop whose far end is an interior proxy rather than a pipeline terminal
// (spec §4.1 "Successor wrapping").
const (
	successorRequestMethod      = "_proxy/successor/request"
	successorNotificationMethod = "_proxy/successor/notification"
)

type successorEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// unwrapSuccessor extracts the logical method/params carried by a frame,
// peeling off one layer of successor envelope if present. A frame that
// was never wrapped is returned unchanged.
func unwrapSuccessor(method string, params json.RawMessage) (string, json.RawMessage, error) {
	if method != successorRequestMethod && method != successorNotificationMethod {
		return method, params, nil
	}
	var env successorEnvelope
	if err := json.Unmarshal(params, &env); err != nil {
		return "", nil, fmt.Errorf("malformed successor envelope: %w", err)
	}
	return env.Method, env.Params, nil
}

// wrapForHop renders the wire method/params that should be sent to destIdx,
// given the logical (already-unwrapped) method and params and whether
// destIdx is a pipeline terminal. Terminals (client, agent) always see the
// raw method; interior proxies always see the opaque envelope.
func wrapForHop(destIsTerminal bool, isNotification bool, method string, params json.RawMessage) (string, json.RawMessage, error) {
	if destIsTerminal {
		return method, params, nil
	}
	env := successorEnvelope{Method: method, Params: params}
	b, err := json.Marshal(env)
	if err != nil {
		return "", nil, err
	}
	if isNotification {
		return successorNotificationMethod, b, nil
	}
	return successorRequestMethod, b, nil
}
