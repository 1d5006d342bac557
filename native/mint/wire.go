package mint

// MintRequestBody is the JSON body of POST /v1/mints. Prepaid is the service
// cost reserved for the request as a decimal string.
type MintRequestBody struct {
	SettlementID string `json:"settlement_id"`
	ReceiverID   string `json:"receiver_id"`
	Amount       uint32 `json:"amount"`
	Prepaid      string `json:"prepaid,omitempty"`
}

// ErrorBody is returned with every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes reported in ErrorBody.Code.
const (
	CodeSoldOut      = "sold_out"
	CodeUnauthorized = "unauthorized"
	CodeInvalid      = "invalid_request"
	CodeInternal     = "internal"
)
