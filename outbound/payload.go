package outbound

// Kind selects the platform operation a payload maps to.
type Kind string

const (
	// KindMessage is a plain text message.
	KindMessage Kind = "message"
	// KindPinMessage is a text message that is pinned after sending.
	KindPinMessage Kind = "pin_message"
	// KindBanMember removes a member from the destination chat.
	KindBanMember Kind = "ban_member"
)

// Payload carries the message content and rendering options. The queue
// and workers treat it as opaque; only the platform client interprets it.
type Payload struct {
	Kind Kind `json:"kind"`

	Text           string `json:"text,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`

	// ReplyTo is the platform message ID being replied to, if any.
	ReplyTo int64 `json:"reply_to,omitempty"`
	// ThreadID addresses a forum topic within the destination chat.
	ThreadID int64 `json:"thread_id,omitempty"`

	// DisablePinNotification suppresses the pin notification for
	// KindPinMessage payloads.
	DisablePinNotification bool `json:"disable_pin_notification,omitempty"`

	// TargetUserID is the member acted on by KindBanMember payloads.
	TargetUserID int64 `json:"target_user_id,omitempty"`
}

// Message returns a plain message payload.
func Message(text string) Payload {
	return Payload{Kind: KindMessage, Text: text, ParseMode: "HTML"}
}

// PinnedMessage returns a payload that is pinned after sending.
func PinnedMessage(text string) Payload {
	return Payload{Kind: KindPinMessage, Text: text, ParseMode: "HTML"}
}

// BanMember returns a payload that bans userID from the destination chat.
func BanMember(userID int64) Payload {
	return Payload{Kind: KindBanMember, TargetUserID: userID}
}
