package wire

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Share is one party's fragment of a provider-generated secret.
type Share struct {
	Value     string `json:"value"`     // Value is the share as a decimal field element
	Holders   []int  `json:"holders"`   // Holders are the parties holding shares of the secret
	Threshold int    `json:"threshold"` // Threshold is the reconstruction threshold
	Zp        int64  `json:"Zp"`        // Zp is the field modulus
}

// Int parses the share value.
func (s Share) Int() (*big.Int, error) {
	v, ok := new(big.Int).SetString(s.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid share value %q", s.Value)
	}

	return v, nil
}

// Result is what a completed request delivers to its caller.
// Shares are index-aligned to the request's receivers.
type Result struct {
	Values json.RawMessage `json:"values,omitempty"` // Values is provider metadata, opaque here
	Shares []Share         `json:"shares"`           // Shares are the delivered share objects
}

// Response is the provider's answer to one request.
type Response struct {
	OpID string `json:"op_id"` // OpID is the identifier of the answered request
	Result
}

// EncodeResponse serializes a response as JSON text.
func EncodeResponse(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response:\n%w", err)
	}

	return data, nil
}

// DecodeResponse parses a JSON response.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response

	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response:\n%w", err)
	}

	if resp.OpID == "" {
		return nil, fmt.Errorf("response has no op_id")
	}

	return &resp, nil
}
