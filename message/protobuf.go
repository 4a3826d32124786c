package message

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers of the structured-binary encoding.
const (
	fieldNumType    protowire.Number = 1
	fieldNumSID     protowire.Number = 2
	fieldNumSeq     protowire.Number = 3
	fieldNumAck     protowire.Number = 4
	fieldNumPayload protowire.Number = 5
)

// ProtobufCodec is the structured-binary encoding. The envelope is a protobuf
// message whose field 5 holds the application's own serialized message.
type ProtobufCodec struct{}

// Encoding returns EncodingProtobuf.
func (ProtobufCodec) Encoding() Encoding { return EncodingProtobuf }

// Marshal appends each present field in field-number order.
func (ProtobufCodec) Marshal(m *Message) ([]byte, error) {
	var b []byte
	if m.Type != "" {
		b = protowire.AppendTag(b, fieldNumType, protowire.BytesType)
		b = protowire.AppendString(b, m.Type)
	}
	if m.SID != "" {
		b = protowire.AppendTag(b, fieldNumSID, protowire.BytesType)
		b = protowire.AppendString(b, m.SID)
	}
	if m.HasSeq {
		b = protowire.AppendTag(b, fieldNumSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Seq))
	}
	if m.HasAck {
		b = protowire.AppendTag(b, fieldNumAck, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Ack))
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldNumPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b, nil
}

// Unmarshal decodes the envelope; unknown fields are skipped.
func (ProtobufCodec) Unmarshal(data []byte) (*Message, error) {
	m := &Message{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldNumType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: type: %v", ErrInvalidPayload, protowire.ParseError(n))
			}
			m.Type = v
			data = data[n:]
		case num == fieldNumSID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: sid: %v", ErrInvalidPayload, protowire.ParseError(n))
			}
			m.SID = v
			data = data[n:]
		case num == fieldNumSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: seq: %v", ErrInvalidPayload, protowire.ParseError(n))
			}
			m.Seq, m.HasSeq = uint32(v), true
			data = data[n:]
		case num == fieldNumAck && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: ack: %v", ErrInvalidPayload, protowire.ParseError(n))
			}
			m.Ack, m.HasAck = uint32(v), true
			data = data[n:]
		case num == fieldNumPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: payload: %v", ErrInvalidPayload, protowire.ParseError(n))
			}
			m.Payload = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrInvalidPayload, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return m, nil
}
