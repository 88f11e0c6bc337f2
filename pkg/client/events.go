package client

import (
	"github.com/lugchat/lugchat/pkg/protocol"
)

// Event is something the dispatch loop surfaced to the application.
// Exactly one field set per kind.
type Event struct {
	Kind EventKind

	// KindIdentified
	ServerKey string

	// KindPost
	Post *PostEvent

	// KindResponse (rejects and non-hello accepts)
	Response *ResponseEvent

	// KindHistory
	History []PostEvent

	// KindUsers
	Users []protocol.UserRecord

	// KindDropped
	Dropped *DroppedEvent

	// KindClosed
	Err error
}

type EventKind int

const (
	// KindIdentified: the hello round trip finished, ServerKey is bound.
	KindIdentified EventKind = iota
	// KindPost: a relayed post or reply from another client.
	KindPost
	// KindResponse: a server verdict on something this client sent.
	KindResponse
	// KindHistory: the answer to a history request.
	KindHistory
	// KindUsers: the answer to a users request.
	KindUsers
	// KindDropped: an inbound envelope failed verification and was not
	// surfaced as content.
	KindDropped
	// KindClosed: the connection ended; Err holds the cause, nil after a
	// requested disconnect.
	KindClosed
)

// PostEvent is one post or reply as shown to the application.
type PostEvent struct {
	Type    protocol.MessageType
	Nick    string
	Time    int64
	Text    string
	Sig     string
	KeyHash string
	// ReplyTo is the signature of the original post, set for replies.
	ReplyTo string
}

// ResponseEvent is a server verdict.
type ResponseEvent struct {
	To      protocol.MessageType
	OrigSig string
	Accept  bool
	Reason  protocol.Reason
}

// DroppedEvent describes an envelope the pipeline refused to surface.
type DroppedEvent struct {
	Type   protocol.MessageType
	Reason string
}
