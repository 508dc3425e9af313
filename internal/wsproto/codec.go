package wsproto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/openmined/treesync/internal/syncmsg"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding indicates which wire encoding is used for WebSocket messages.
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingMsgPack
)

func (e Encoding) String() string {
	switch e {
	case EncodingMsgPack:
		return "msgpack"
	default:
		return "json"
	}
}

const (
	magic0  = byte('S')
	magic1  = byte('B')
	version = byte(1)
)

// PreferredEncoding parses a comma-separated preference list (e.g. "msgpack,json").
// Returns EncodingJSON if list is empty/unknown.
func PreferredEncoding(list string) Encoding {
	for _, p := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "msgpack":
			return EncodingMsgPack
		case "json":
			return EncodingJSON
		}
	}
	return EncodingJSON
}

// Marshal encodes a message for WebSocket transport.
// JSON goes out as a text frame. MsgPack goes out as a binary frame
// wrapped in the envelope [magic][version][encoding][payload].
func Marshal(msg *syncmsg.Message, enc Encoding) (websocket.MessageType, []byte, error) {
	if enc == EncodingJSON {
		data, err := json.Marshal(msg)
		return websocket.MessageText, data, err
	}

	payload, err := marshalMsgpack(msg)
	if err != nil {
		return websocket.MessageBinary, nil, err
	}

	buf := make([]byte, 4+len(payload))
	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, version, byte(enc)
	copy(buf[4:], payload)
	return websocket.MessageBinary, buf, nil
}

// Unmarshal decodes a WebSocket frame into a message.
func Unmarshal(typ websocket.MessageType, data []byte) (*syncmsg.Message, Encoding, error) {
	switch typ {
	case websocket.MessageText:
		var msg syncmsg.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, EncodingJSON, err
		}
		return &msg, EncodingJSON, nil

	case websocket.MessageBinary:
		if len(data) < 4 || data[0] != magic0 || data[1] != magic1 {
			return nil, EncodingMsgPack, errors.New("binary message missing SB envelope")
		}
		if data[2] != version {
			return nil, EncodingMsgPack, fmt.Errorf("unsupported ws envelope version: %d", data[2])
		}
		enc := Encoding(data[3])
		payload := data[4:]
		switch enc {
		case EncodingMsgPack:
			msg, err := unmarshalMsgpack(payload)
			return msg, enc, err
		case EncodingJSON:
			var msg syncmsg.Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				return nil, enc, err
			}
			return &msg, enc, nil
		default:
			return nil, enc, fmt.Errorf("unknown ws encoding: %d", enc)
		}

	default:
		return nil, EncodingJSON, fmt.Errorf("unsupported websocket message type: %v", typ)
	}
}

type wireMessage struct {
	Id   string              `msgpack:"id"`
	Type syncmsg.MessageType `msgpack:"typ"`
	Data []byte              `msgpack:"dat"`
}

func marshalMsgpack(msg *syncmsg.Message) ([]byte, error) {
	var dat []byte
	var err error

	switch msg.Type {
	case syncmsg.MsgSystem:
		switch v := msg.Data.(type) {
		case syncmsg.System:
			dat, err = msgpack.Marshal(&v)
		case *syncmsg.System:
			dat, err = msgpack.Marshal(v)
		default:
			return nil, fmt.Errorf("invalid system payload type: %T", msg.Data)
		}
	case syncmsg.MsgError:
		switch v := msg.Data.(type) {
		case syncmsg.Error:
			dat, err = msgpack.Marshal(&v)
		case *syncmsg.Error:
			dat, err = msgpack.Marshal(v)
		default:
			return nil, fmt.Errorf("invalid error payload type: %T", msg.Data)
		}
	case syncmsg.MsgChanges:
		switch v := msg.Data.(type) {
		case syncmsg.ChangeBatch:
			dat, err = msgpack.Marshal(&v)
		case *syncmsg.ChangeBatch:
			dat, err = msgpack.Marshal(v)
		default:
			return nil, fmt.Errorf("invalid changes payload type: %T", msg.Data)
		}
	default:
		return nil, fmt.Errorf("unknown message type: %d", msg.Type)
	}
	if err != nil {
		return nil, err
	}

	w := wireMessage{Id: msg.Id, Type: msg.Type, Data: dat}
	return msgpack.Marshal(&w)
}

func unmarshalMsgpack(payload []byte) (*syncmsg.Message, error) {
	var w wireMessage
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag("msgpack")
	if err := dec.Decode(&w); err != nil {
		return nil, err
	}

	msg := &syncmsg.Message{Id: w.Id, Type: w.Type}
	switch w.Type {
	case syncmsg.MsgSystem:
		var sys syncmsg.System
		if err := msgpack.Unmarshal(w.Data, &sys); err != nil {
			return nil, err
		}
		msg.Data = sys
	case syncmsg.MsgError:
		var e syncmsg.Error
		if err := msgpack.Unmarshal(w.Data, &e); err != nil {
			return nil, err
		}
		msg.Data = e
	case syncmsg.MsgChanges:
		var batch syncmsg.ChangeBatch
		if err := msgpack.Unmarshal(w.Data, &batch); err != nil {
			return nil, err
		}
		msg.Data = batch
	default:
		return nil, fmt.Errorf("unknown message type: %d", w.Type)
	}

	return msg, nil
}
