package ambassador

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/PolygramInfo/IFC-RPC/envelope"
)

// Result is the transport-shaped outcome of one raw submission, ready
// to hand to whatever HTTP front is in use.
type Result struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// HandleRaw decodes a raw request body into an envelope and runs it
// through Handle. A body that does not decode is rejected with a 400
// before any pipeline work happens.
func (a *Ambassador) HandleRaw(ctx context.Context, body []byte) Result {
	env, err := envelope.Decode(body)
	if err != nil {
		reply := envelope.NewErrorResponse(a.source, nil, http.StatusBadRequest, "malformed event: "+err.Error())
		return a.result(http.StatusBadRequest, reply)
	}
	out := a.Handle(ctx, env)
	return a.result(out.Status, out.Envelope)
}

func (a *Ambassador) result(status int, reply *envelope.Envelope) Result {
	body, err := json.Marshal(reply)
	if err != nil {
		a.logger.Error("reply serialization failed", "error", err)
		return Result{
			StatusCode: http.StatusInternalServerError,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       []byte(`{"error":"internal"}`),
		}
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if status == http.StatusCreated {
		headers["Location"] = a.resourceURLBase + reply.ResourceID()
		headers["Retry-After"] = strconv.Itoa(envelope.TryAfterSeconds(a.tryAfter))
	}
	return Result{StatusCode: status, Headers: headers, Body: body}
}

// Handler adapts the ambassador to net/http for deployments that front
// the pipeline with a plain HTTP listener.
func (a *Ambassador) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}

		res := a.HandleRaw(r.Context(), body)
		for k, v := range res.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(res.StatusCode)
		if _, err := w.Write(res.Body); err != nil {
			a.logger.Warn("reply write failed", "error", err)
		}
	})
}
