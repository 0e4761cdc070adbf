package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xggarcia/Curt-IA/pkg/dispatch"
)

// Dispatcher is the subset of dispatch.Dispatcher used by DispatchClient.
type Dispatcher interface {
	Dispatch(ctx context.Context, call dispatch.Call) (dispatch.Result, error)
}

// DispatchClient sends chat requests through the credential dispatcher.
type DispatchClient struct {
	d    Dispatcher
	kind dispatch.ProviderKind
}

// NewDispatchClient returns a Client for one provider kind.
func NewDispatchClient(d Dispatcher, kind dispatch.ProviderKind) *DispatchClient {
	return &DispatchClient{d: d, kind: kind}
}

// Chat implements Client. Dispatcher errors are returned unchanged so that
// callers can test them with errors.Is.
func (c *DispatchClient) Chat(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("llm: messages must not be empty")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	op := req.Operation
	if op == "" {
		op = "chat"
	}
	res, err := c.d.Dispatch(ctx, dispatch.Call{Kind: c.kind, Operation: op, Payload: payload})
	if err != nil {
		return nil, err
	}

	var out Response
	if err := json.Unmarshal(res.Body, &out); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	out.CredentialID = res.CredentialID
	out.Attempts = res.Attempts
	return &out, nil
}
