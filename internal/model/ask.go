// Package model defines data structures for the answer streaming service.
package model

import "strings"

// UnknownClient is the client identity used when the caller supplies none.
const UnknownClient = "-"

// Request kinds partition the one-active-request-per-client rule.
const (
	KindAsk      = "ask"
	KindPrefetch = "prefetch"
	KindAgent    = "agent"
)

// Guide carries narration directives for a single ask.
type Guide struct {
	Enabled    bool    `json:"enabled"`
	Style      string  `json:"style,omitempty"`
	DurationS  float64 `json:"duration_s,omitempty"`
	StopName   string  `json:"stop_name,omitempty"`
	Continuous bool    `json:"continuous,omitempty"`
}

// AskRequest is an inbound question. It is immutable once accepted.
type AskRequest struct {
	Question            string `json:"question"`
	RequestID           string `json:"request_id,omitempty"`
	ClientID            string `json:"client_id,omitempty"`
	Kind                string `json:"kind,omitempty"`
	AgentID             string `json:"agent_id,omitempty"`
	ConversationContext string `json:"conversation_context,omitempty"`
	Guide               Guide  `json:"guide"`
	Persist             bool   `json:"persist"`
}

// Normalize fills identity defaults.
func (r *AskRequest) Normalize() {
	r.ClientID = strings.TrimSpace(r.ClientID)
	if r.ClientID == "" {
		r.ClientID = UnknownClient
	}
	r.Kind = strings.TrimSpace(r.Kind)
	if r.Kind == "" {
		r.Kind = KindAsk
	}
	r.AgentID = strings.TrimSpace(r.AgentID)
}

// CancelRequest targets either an exact request or whatever is active for a client/kind.
type CancelRequest struct {
	RequestID string `json:"request_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// CancelResponse reports the request actually cancelled, if any.
type CancelResponse struct {
	Cancelled *string `json:"cancelled"`
	Reason    string  `json:"reason,omitempty"`
}
