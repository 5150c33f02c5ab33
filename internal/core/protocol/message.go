// Package protocol defines the messages exchanged between paint clients and
// the server, and the connection abstraction the transports implement.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zeusync/paintsync/internal/core/canvas"
	"github.com/zeusync/paintsync/pkg/matrix"
)

type MessageType string

const (
	TypeDownload MessageType = "download"
	TypeUpdate   MessageType = "update"
	TypeInitial  MessageType = "initial"
)

// ClientMessage is sent from a client to the server. Exactly one of
// Download or Update is set.
type ClientMessage struct {
	Download *DownloadRequest
	Update   *ClientUpdate
}

type DownloadRequest struct {
	Area canvas.Rect `json:"area"`
}

// ClientUpdate is an edit tagged with the id the client will see acknowledged.
type ClientUpdate struct {
	ID     uint64        `json:"id"`
	Update canvas.Update `json:"update"`
}

// ServerMessage is sent from the server to a client. Exactly one of
// Download, Update or Initial is set.
type ServerMessage struct {
	Download *DownloadReply
	Update   *ServerUpdate
	Initial  *Initial
}

// DownloadReply carries the snapshot of a requested area anchored at its
// bottom-left corner.
type DownloadReply struct {
	Position canvas.Vec2                  `json:"position"`
	Data     *matrix.Matrix[canvas.Color] `json:"data"`
}

// ServerUpdate is an authoritative edit. YourID is set only on the copy sent
// back to the client that authored it.
type ServerUpdate struct {
	YourID *uint64       `json:"your_id,omitempty"`
	Update canvas.Update `json:"update"`
}

// Initial is the full canvas sent to a joining client in single-file mode.
type Initial struct {
	Pixels []canvas.Pixel `json:"pixels"`
}

func NewDownloadRequest(area canvas.Rect) ClientMessage {
	return ClientMessage{Download: &DownloadRequest{Area: area}}
}

func NewClientUpdate(id uint64, u canvas.Update) ClientMessage {
	return ClientMessage{Update: &ClientUpdate{ID: id, Update: u}}
}

func NewDownloadReply(position canvas.Vec2, data *matrix.Matrix[canvas.Color]) ServerMessage {
	return ServerMessage{Download: &DownloadReply{Position: position, Data: data}}
}

// NewServerUpdate builds an update; pass a nil ack for broadcast copies.
func NewServerUpdate(ack *uint64, u canvas.Update) ServerMessage {
	return ServerMessage{Update: &ServerUpdate{YourID: ack, Update: u}}
}

func NewInitial(pixels []canvas.Pixel) ServerMessage {
	return ServerMessage{Initial: &Initial{Pixels: pixels}}
}

func Ack(id uint64) *uint64 {
	return &id
}

func (m ClientMessage) Type() MessageType {
	switch {
	case m.Download != nil:
		return TypeDownload
	case m.Update != nil:
		return TypeUpdate
	default:
		return ""
	}
}

func (m ServerMessage) Type() MessageType {
	switch {
	case m.Download != nil:
		return TypeDownload
	case m.Update != nil:
		return TypeUpdate
	case m.Initial != nil:
		return TypeInitial
	default:
		return ""
	}
}

// envelope is the JSON shape on the wire: {"type": "...", <variant fields>}.
type envelope struct {
	Type MessageType `json:"type"`
}

func (m ClientMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Download != nil:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*DownloadRequest
		}{TypeDownload, m.Download})
	case m.Update != nil:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*ClientUpdate
		}{TypeUpdate, m.Update})
	default:
		return nil, fmt.Errorf("%w: empty client message", ErrInvalidMessage)
	}
}

func (m *ClientMessage) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*m = ClientMessage{}
	switch env.Type {
	case TypeDownload:
		m.Download = &DownloadRequest{}
		return json.Unmarshal(data, m.Download)
	case TypeUpdate:
		m.Update = &ClientUpdate{}
		return json.Unmarshal(data, m.Update)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func (m ServerMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Download != nil:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*DownloadReply
		}{TypeDownload, m.Download})
	case m.Update != nil:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*ServerUpdate
		}{TypeUpdate, m.Update})
	case m.Initial != nil:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*Initial
		}{TypeInitial, m.Initial})
	default:
		return nil, fmt.Errorf("%w: empty server message", ErrInvalidMessage)
	}
}

func (m *ServerMessage) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*m = ServerMessage{}
	switch env.Type {
	case TypeDownload:
		m.Download = &DownloadReply{}
		if err := json.Unmarshal(data, m.Download); err != nil {
			return err
		}
		if m.Download.Data == nil || !m.Download.Data.Valid() {
			return fmt.Errorf("%w: malformed download data", ErrInvalidMessage)
		}
		return nil
	case TypeUpdate:
		m.Update = &ServerUpdate{}
		return json.Unmarshal(data, m.Update)
	case TypeInitial:
		m.Initial = &Initial{}
		return json.Unmarshal(data, m.Initial)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
