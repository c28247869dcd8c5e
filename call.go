package streamrpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Call sends a typed request and deserializes the terminal success payload
// into TRes. The typed round-trip lives here at the call site; the request
// table itself only sees raw JSON.
func Call[TReq, TRes any](ctx context.Context, c *Connection, method string, req TReq, opts ...RequestOption) (TRes, error) {
	var zero TRes

	payload, err := json.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("marshal %s request: %w", method, err)
	}

	raw, err := c.SendRequest(ctx, method, payload, opts...)
	if err != nil {
		return zero, err
	}

	var res TRes
	if len(raw) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return zero, fmt.Errorf("unmarshal %s response: %w", method, err)
	}
	return res, nil
}
