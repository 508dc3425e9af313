package syncmsg

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/openmined/treesync/internal/utils"
)

const IdSize = 3

// Message is the envelope of every frame on the subscription socket.
type Message struct {
	Id   string      `json:"id"`
	Type MessageType `json:"typ"`
	Data any         `json:"dat"`
}

// UnmarshalJSON decodes Data into the concrete payload for Type.
func (m *Message) UnmarshalJSON(data []byte) error {
	type tempMessage struct {
		Id   string          `json:"id"`
		Type MessageType     `json:"typ"`
		Data json.RawMessage `json:"dat"`
	}

	var temp tempMessage
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	m.Id = temp.Id
	m.Type = temp.Type

	switch m.Type {
	case MsgSystem:
		var sys System
		if err := json.Unmarshal(temp.Data, &sys); err != nil {
			return err
		}
		m.Data = sys
	case MsgError:
		var e Error
		if err := json.Unmarshal(temp.Data, &e); err != nil {
			return err
		}
		m.Data = e
	case MsgChanges:
		var batch ChangeBatch
		if err := json.Unmarshal(temp.Data, &batch); err != nil {
			return err
		}
		m.Data = batch
	default:
		return fmt.Errorf("unknown message type: %d", m.Type)
	}

	return nil
}

func generateID() string {
	return utils.TokenHex(IdSize)
}
