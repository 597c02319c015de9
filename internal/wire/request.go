// Package wire defines the records exchanged with the crypto provider and
// the envelope that carries them.
package wire

import (
	"encoding/json"
	"fmt"
)

// ChannelCryptoProvider is the channel reserved for provider traffic.
const ChannelCryptoProvider = "crypto_provider"

// Request is one party's ask to the provider for material of a given label.
type Request struct {
	Label     string         `json:"label"`     // Label names the kind of material
	OpID      string         `json:"op_id"`     // OpID correlates the request with its response
	Receivers []int          `json:"receivers"` // Receivers is the sorted set of receiving parties
	Threshold int            `json:"threshold"` // Threshold is the reconstruction threshold
	Zp        int64          `json:"Zp"`        // Zp is the field modulus
	Params    map[string]any `json:"params"`    // Params holds label-specific settings
}

// EncodeRequest serializes a request as JSON text.
func EncodeRequest(req *Request) ([]byte, error) {
	out := *req
	if out.Params == nil {
		out.Params = map[string]any{}
	}

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("marshal request:\n%w", err)
	}

	return data, nil
}

// DecodeRequest parses a JSON request.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request

	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unmarshal request:\n%w", err)
	}

	if req.OpID == "" {
		return nil, fmt.Errorf("request has no op_id")
	}

	return &req, nil
}
