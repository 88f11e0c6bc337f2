package protocol

import (
	"encoding/json"
)

// ProtocolVersion is the wire protocol version carried in every envelope.
const ProtocolVersion = "1"

// MessageType identifies what kind of message a MessageData carries.
type MessageType string

const (
	TypeHello      MessageType = "hello"
	TypeSubscribe  MessageType = "subscribe"
	TypeUsers      MessageType = "users"
	TypePost       MessageType = "post"
	TypeHistory    MessageType = "history"
	TypeReply      MessageType = "reply"
	TypeDisconnect MessageType = "disconnect"
	TypeResponse   MessageType = "response"
)

// AccRej is the server's verdict on a client message.
type AccRej string

const (
	Accept AccRej = "accept"
	Reject AccRej = "reject"
)

// Reason qualifies a reject verdict (ReasonNone on accept).
type Reason string

const (
	ReasonNone      Reason = "none"
	ReasonFormat    Reason = "format"
	ReasonSignature Reason = "signature"
	ReasonAccess    Reason = "access"
	ReasonException Reason = "exception"
)

// MessageData is the signed payload of an envelope. Client messages set
// Type, Nick, Time and Content; server responses additionally set the
// response fields and omit Nick.
type MessageData struct {
	Type    MessageType     `json:"type"`
	Nick    string          `json:"nick,omitempty"`
	Time    int64           `json:"time"`
	Content json.RawMessage `json:"content"`

	// Response-only fields. OrigSig echoes the signature of the message
	// being answered and is the request/response correlator on this wire,
	// there is no sequence number.
	ResponseToType MessageType `json:"responseToType,omitempty"`
	OrigSig        string      `json:"origSig,omitempty"`
	Response       AccRej      `json:"response,omitempty"`
	Reason         Reason      `json:"reason,omitempty"`
}

// Client message contents.

type HelloContent struct {
	PublicKey string `json:"publicKey"`
}

type SubscribeContent struct {
	// LastClientTime is the client's newest known message time, 0 if none.
	LastClientTime int64 `json:"lastClientTime"`
}

type UsersContent struct {
	Since int64 `json:"since"`
}

type PostContent struct {
	PostContent string `json:"postContent"`
}

type HistoryContent struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type ReplyContent struct {
	PostTime     int64  `json:"postTime"`
	OrigSig      string `json:"origSig"`
	ReplyContent string `json:"replyContent"`
}

// Server response contents.

type HelloResponse struct {
	ServerKey string `json:"serverKey"`
}

type SubscribeResponse struct {
	OldestMessageTime int64 `json:"oldestMessageTime"`
	LatestMessageTime int64 `json:"latestMessageTime"`
}

// HistoryResponse carries the matching envelopes verbatim as they were
// accepted, not re-serialized.
type HistoryResponse struct {
	MsgList []json.RawMessage `json:"msgList"`
}

type UsersResponse struct {
	UserList []UserRecord `json:"userList"`
}

// UserRecord is the wire form of a presence directory entry.
type UserRecord struct {
	PublicKey string `json:"publicKey"`
	Nick      string `json:"nick"`
	JoinTime  int64  `json:"joinTime"`
	Status    string `json:"status"`
}

// emptyContent is the content of responses that carry no payload.
var emptyContent = json.RawMessage("{}")

// NewMessageData builds a client MessageData, marshalling content.
func NewMessageData(msgType MessageType, nick string, timeMillis int64, content any) (*MessageData, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return &MessageData{
		Type:    msgType,
		Nick:    nick,
		Time:    timeMillis,
		Content: raw,
	}, nil
}

// NewResponseData builds a server response answering the message carried
// by sig. Content may be nil, in which case an empty object is sent.
func NewResponseData(respondingTo MessageType, sig string, verdict AccRej, reason Reason, timeMillis int64, content any) (*MessageData, error) {
	raw := emptyContent
	if content != nil {
		var err error
		raw, err = json.Marshal(content)
		if err != nil {
			return nil, err
		}
	}
	return &MessageData{
		Type:           TypeResponse,
		Time:           timeMillis,
		Content:        raw,
		ResponseToType: respondingTo,
		OrigSig:        sig,
		Response:       verdict,
		Reason:         reason,
	}, nil
}
