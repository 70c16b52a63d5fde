package raiden

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/lightningnetwork/lnd/lntypes"
)

const (
	channelStateOpened = "opened"

	eventPaymentSentSuccess = "EventPaymentSentSuccess"
	eventPaymentSentFailed  = "EventPaymentSentFailed"
)

// tokenAmount is an amount in token base units. Raiden accepts and returns
// it either as a JSON number or as a decimal string.
type tokenAmount struct {
	*uint256.Int
}

func (a tokenAmount) MarshalJSON() ([]byte, error) {
	if a.Int == nil {
		return []byte("0"), nil
	}
	return []byte(a.Dec()), nil
}

func (a *tokenAmount) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		a.Int = new(uint256.Int)
		return nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("invalid token amount %s: %w", s, err)
	}
	a.Int = v
	return nil
}

type addressResponse struct {
	OurAddress string `json:"our_address"`
}

type channel struct {
	PartnerAddress string      `json:"partner_address"`
	TokenAddress   string      `json:"token_address"`
	ChannelAddress string      `json:"channel_address"`
	Balance        tokenAmount `json:"balance"`
	State          string      `json:"state"`
}

type tokenPaymentRequest struct {
	Amount     tokenAmount `json:"amount"`
	SecretHash string      `json:"secret_hash"`
	Identifier uint64      `json:"identifier,omitempty"`
}

type tokenPaymentResponse struct {
	TokenAddress  string `json:"token_address"`
	TargetAddress string `json:"target_address"`
	SecretHash    string `json:"secret_hash"`
	Secret        string `json:"secret"`
}

type paymentEvent struct {
	Event      string `json:"event"`
	SecretHash string `json:"secret_hash"`
	Secret     string `json:"secret"`
}

type errorResponse struct {
	Errors interface{} `json:"errors"`
}

func (e errorResponse) String() string {
	switch v := e.Errors.(type) {
	case string:
		return v
	case []interface{}:
		msgs := make([]string, 0, len(v))
		for _, m := range v {
			msgs = append(msgs, fmt.Sprint(m))
		}
		return strings.Join(msgs, ", ")
	default:
		return fmt.Sprint(v)
	}
}

type resolveRequest struct {
	Token      string      `json:"token"`
	SecretHash string      `json:"secrethash"`
	Amount     tokenAmount `json:"amount"`
}

type resolveResponse struct {
	Secret string `json:"secret"`
}

func hashToHex(h lntypes.Hash) string {
	return "0x" + h.String()
}

func hashFromHex(s string) (lntypes.Hash, error) {
	return lntypes.MakeHashFromStr(strings.TrimPrefix(s, "0x"))
}

func preimageToHex(p lntypes.Preimage) string {
	return "0x" + p.String()
}

func preimageFromHex(s string) (lntypes.Preimage, error) {
	return lntypes.MakePreimageFromStr(strings.TrimPrefix(s, "0x"))
}
