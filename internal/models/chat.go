package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageTTL bounds how long a stored chat record may live in a mailbox.
const MessageTTL = 24 * time.Hour

// DecryptFailedText replaces the body of a message that could not be
// decrypted.
const DecryptFailedText = "[failed to decrypt message]"

// DeliveryPath names the route a message arrived by.
type DeliveryPath string

const (
	PathDirect DeliveryPath = "direct"
	PathStore  DeliveryPath = "store"
	PathLocal  DeliveryPath = "local"
)

// NewMessageID returns an id of the form msg_<unix millis>_<random>.
func NewMessageID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("msg_%d_%s", now.UnixMilli(), random)
}

// StoredMessage is the mailbox record at encrypted_messages/{roomId}/{pushKey}.
// It never holds plaintext.
type StoredMessage struct {
	ID        string `json:"id"`
	Data      string `json:"data"`
	IV        string `json:"iv"`
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
	TTL       int64  `json:"ttl"`
}

// Expired reports whether the record's ttl lies before now.
func (m StoredMessage) Expired(now time.Time) bool {
	return m.TTL < now.UnixMilli()
}

// Message is a decrypted message as surfaced to the UI.
type Message struct {
	ID            string       `json:"id"`
	Sender        string       `json:"sender"`
	Text          string       `json:"text"`
	Timestamp     time.Time    `json:"timestamp"`
	Path          DeliveryPath `json:"path"`
	Secret        bool         `json:"secret,omitempty"`
	ExpiresAt     time.Time    `json:"expiresAt,omitzero"`
	DecryptFailed bool         `json:"decryptFailed,omitempty"`
}
