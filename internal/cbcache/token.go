package cbcache

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// IDLength is the width of both halves of a token: the hex rendering of a
// 128-bit random UUID.
const IDLength = 32

// newID returns a fresh 32-character identifier.
func newID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// EncodeToken joins a keyboard id and a button id into the string that is
// sent to the chat client in place of the real callback data.
func EncodeToken(keyboardID, buttonID string) string {
	return keyboardID + buttonID
}

// ExtractIDs splits a token into its keyboard id and button id. The split is
// purely structural; whether the ids exist is checked on lookup. A token
// shorter than IDLength is returned whole as the keyboard id.
func ExtractIDs(token string) (keyboardID, buttonID string) {
	if len(token) <= IDLength {
		return token, ""
	}
	return token[:IDLength], token[IDLength:]
}
