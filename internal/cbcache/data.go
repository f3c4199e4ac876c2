package cbcache

import "fmt"

// DataKind tells which variant a CallbackData holds.
type DataKind uint8

const (
	// DataNone marks a button without callback data (URL buttons etc.).
	DataNone DataKind = iota
	// DataPayload holds an application value that still has to be cached.
	DataPayload
	// DataToken holds the opaque string that travels to the client.
	DataToken
	// DataInvalid holds a token that could not be resolved.
	DataInvalid
)

func (k DataKind) String() string {
	switch k {
	case DataNone:
		return "none"
	case DataPayload:
		return "payload"
	case DataToken:
		return "token"
	case DataInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("DataKind(%d)", uint8(k))
	}
}

// InvalidCallbackDataError is carried in place of a payload when the
// received token was tampered with or its keyboard is no longer cached.
type InvalidCallbackDataError struct {
	CallbackData string
}

func (e *InvalidCallbackDataError) Error() string {
	return "cbcache: the object belonging to this callback_data was deleted or the callback_data was manipulated"
}

// CallbackData is the value attached to a button or a callback query. The
// zero value is DataNone.
type CallbackData[T any] struct {
	kind    DataKind
	payload T
	token   string
}

// Payload wraps an application value.
func Payload[T any](v T) CallbackData[T] {
	return CallbackData[T]{kind: DataPayload, payload: v}
}

// Token wraps a wire token. An empty token is treated as no data.
func Token[T any](token string) CallbackData[T] {
	if token == "" {
		return CallbackData[T]{}
	}
	return CallbackData[T]{kind: DataToken, token: token}
}

// Invalid wraps a token that failed to resolve.
func Invalid[T any](token string) CallbackData[T] {
	return CallbackData[T]{kind: DataInvalid, token: token}
}

func (d CallbackData[T]) Kind() DataKind { return d.kind }

// IsZero reports whether d carries no data.
func (d CallbackData[T]) IsZero() bool { return d.kind == DataNone }

// Value returns the payload. ok is false for every kind but DataPayload.
func (d CallbackData[T]) Value() (v T, ok bool) {
	if d.kind != DataPayload {
		return v, false
	}
	return d.payload, true
}

// Token returns the raw token for DataToken and DataInvalid.
func (d CallbackData[T]) Token() (string, bool) {
	if d.kind != DataToken && d.kind != DataInvalid {
		return "", false
	}
	return d.token, true
}

// Err returns the *InvalidCallbackDataError for DataInvalid and nil otherwise.
func (d CallbackData[T]) Err() error {
	if d.kind != DataInvalid {
		return nil
	}
	return &InvalidCallbackDataError{CallbackData: d.token}
}
