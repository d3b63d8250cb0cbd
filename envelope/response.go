package envelope

import (
	"encoding/json"
	"time"
)

// ResponseData is the payload of an accepted-request reply.
type ResponseData struct {
	ResourceID  string `json:"resource_id"`
	ResourceURL string `json:"resource_url,omitempty"`
	TryAfter    int    `json:"try_after,omitempty"` // seconds before first poll
}

// ErrorData is the payload of a rejection reply.
type ErrorData struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

// NewResponse builds the reply envelope for an accepted request. The
// transaction id of the request is echoed so callers can correlate.
func NewResponse(source string, request *Envelope, data ResponseData) *Envelope {
	body, _ := json.Marshal(data)
	return New(
		Type{Service: DomainAmbassador, Action: ActionResponse},
		body,
		source,
		WithTransactionID(request.TransactionID()),
	).WithResource(data.ResourceID)
}

// NewErrorResponse builds the reply envelope for a rejected request
func NewErrorResponse(source string, request *Envelope, status int, reason string) *Envelope {
	body, _ := json.Marshal(ErrorData{Status: status, Reason: reason})
	opts := []Option{}
	if request != nil {
		opts = append(opts, WithTransactionID(request.TransactionID()))
	}
	return New(
		Type{Service: DomainAmbassador, Action: ActionError},
		body,
		source,
		opts...,
	)
}

// TryAfterSeconds converts a polling delay to the wire representation
func TryAfterSeconds(d time.Duration) int {
	return int(d / time.Second)
}
