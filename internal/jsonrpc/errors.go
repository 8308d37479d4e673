package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code. Codes below -32000 in the
// implementation-defined range carry the gateway's backend error taxonomy so
// clients can distinguish failure classes without parsing messages.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal server error.
	ErrorCodeInternalError ErrorCode = -32603

	// ErrorCodeConflict indicates the operation violates backend state.
	ErrorCodeConflict ErrorCode = -32011
	// ErrorCodeNotFound indicates a referenced backend resource is absent.
	ErrorCodeNotFound ErrorCode = -32012
	// ErrorCodeTimeout indicates the backend call exceeded its deadline.
	ErrorCodeTimeout ErrorCode = -32013
	// ErrorCodeUnavailable indicates the backend signalled temporary unavailability.
	ErrorCodeUnavailable ErrorCode = -32014

	// ErrorCodeRequestCancelled indicates the request was cancelled before completion.
	ErrorCodeRequestCancelled ErrorCode = -32800
)
