package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONCodec is the tagged-dictionary encoding: one JSON object per body with the
// reserved keys merged in.
type JSONCodec struct{}

// Encoding returns EncodingJSON.
func (JSONCodec) Encoding() Encoding { return EncodingJSON }

// Marshal merges the reserved fields into the payload object.
func (JSONCodec) Marshal(m *Message) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(m.Payload)) > 0 {
		if err := json.Unmarshal(m.Payload, &fields); err != nil {
			return nil, fmt.Errorf("%w: payload must be a JSON object: %v", ErrInvalidPayload, err)
		}
	}
	for _, k := range []string{FieldType, FieldSID, FieldSeq, FieldAck} {
		delete(fields, k)
	}

	if m.Type != "" {
		v, err := json.Marshal(m.Type)
		if err != nil {
			return nil, err
		}
		fields[FieldType] = v
	}
	if m.SID != "" {
		v, err := json.Marshal(m.SID)
		if err != nil {
			return nil, err
		}
		fields[FieldSID] = v
	}
	if m.HasSeq {
		fields[FieldSeq] = json.RawMessage(strconv.FormatUint(uint64(m.Seq), 10))
	}
	if m.HasAck {
		fields[FieldAck] = json.RawMessage(strconv.FormatUint(uint64(m.Ack), 10))
	}
	return json.Marshal(fields)
}

// Unmarshal splits the reserved keys out of a JSON body.
func (JSONCodec) Unmarshal(data []byte) (*Message, error) {
	m := &Message{}
	if len(bytes.TrimSpace(data)) == 0 {
		return m, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if raw, ok := fields[FieldType]; ok {
		if err := json.Unmarshal(raw, &m.Type); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, FieldType, err)
		}
		delete(fields, FieldType)
	}
	if raw, ok := fields[FieldSID]; ok {
		if err := json.Unmarshal(raw, &m.SID); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, FieldSID, err)
		}
		delete(fields, FieldSID)
	}
	if raw, ok := fields[FieldSeq]; ok {
		if err := json.Unmarshal(raw, &m.Seq); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, FieldSeq, err)
		}
		m.HasSeq = true
		delete(fields, FieldSeq)
	}
	if raw, ok := fields[FieldAck]; ok {
		if err := json.Unmarshal(raw, &m.Ack); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, FieldAck, err)
		}
		m.HasAck = true
		delete(fields, FieldAck)
	}

	if len(fields) > 0 {
		payload, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		m.Payload = payload
	}
	return m, nil
}
