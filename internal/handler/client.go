// Package handler calls the node's local payload handler, the HTTP endpoint
// an agent exposes to decide payments terminating at this node.
package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentfabric/agent-fabric/internal/forwarder"
	"github.com/agentfabric/agent-fabric/internal/wire"
)

// request is the JSON body POSTed to the handler endpoint.
type request struct {
	PaymentID   string `json:"paymentId"`
	Amount      uint64 `json:"amount"`
	Destination string `json:"destination"`
	Payload     string `json:"payload"` // base64
}

// response is the handler's verdict. A missing rejectReason, or one with an
// unrecognized code, maps to the generic handler-reject code.
type response struct {
	Accept          bool          `json:"accept"`
	RejectReason    *rejectReason `json:"rejectReason,omitempty"`
	ResponsePayload string        `json:"responsePayload,omitempty"` // base64
}

type rejectReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client implements forwarder.LocalHandler over HTTP.
type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

// Handle posts the payment to the handler endpoint. Transport failures,
// timeouts, and non-2xx statuses surface as errors so the forwarder answers
// with a transient internal code rather than a final rejection.
func (c *Client) Handle(ctx context.Context, p forwarder.Payment) (forwarder.HandlerResult, error) {
	body, err := json.Marshal(request{
		PaymentID:   p.PaymentID,
		Amount:      p.Amount,
		Destination: string(p.Destination),
		Payload:     base64.StdEncoding.EncodeToString(p.Payload),
	})
	if err != nil {
		return forwarder.HandlerResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return forwarder.HandlerResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return forwarder.HandlerResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return forwarder.HandlerResult{}, fmt.Errorf("handler: status %d from %s", resp.StatusCode, c.url)
	}

	var verdict response
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return forwarder.HandlerResult{}, fmt.Errorf("handler: decode response: %w", err)
	}

	out := forwarder.HandlerResult{Accept: verdict.Accept}
	if verdict.ResponsePayload != "" {
		out.ResponsePayload, err = base64.StdEncoding.DecodeString(verdict.ResponsePayload)
		if err != nil {
			return forwarder.HandlerResult{}, fmt.Errorf("handler: response payload: %w", err)
		}
	}
	if !verdict.Accept {
		out.Code = wire.CodeHandlerReject
		if verdict.RejectReason != nil {
			out.Code = rejectCode(verdict.RejectReason.Code)
			out.Message = verdict.RejectReason.Message
		}
	}
	return out, nil
}

// rejectCode maps the handler's code string to a registry code, falling back
// to the generic handler rejection for anything unrecognized.
func rejectCode(s string) wire.Code {
	if len(s) != 3 {
		return wire.CodeHandlerReject
	}
	c := wire.Code{s[0], s[1], s[2]}
	if !c.Valid() {
		return wire.CodeHandlerReject
	}
	return c
}
