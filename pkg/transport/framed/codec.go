package framed

import (
	"errors"
	"fmt"
	"strings"

	"github.com/polisai/polis-relay/pkg/relay"
	"github.com/polisai/polis-relay/pkg/transport"
)

// Message prefixes and well-known fields of the comma-delimited protocol.
const (
	OutboundPrefix = "GIFTMSG_"
	ReplyPrefix    = "GIFTREPLY"
	ReplyEvent     = "event"

	FieldRequestID    = "requestId"
	FieldErrorMessage = "errorMessage"
	FieldFinal        = "final"
	FieldSession      = "session"
)

// TextCodec encodes envelopes as "GIFTMSG_<command>,requestId,<id>,k,v,..."
// and decodes "GIFTREPLY,event,<command>,k,v,..." replies. The request
// payload must already be a comma-delimited key/value list.
type TextCodec struct{}

var _ transport.Codec = TextCodec{}

// Encode implements transport.Codec.
func (TextCodec) Encode(env relay.Envelope) ([]byte, error) {
	if env.Request.Command == "" || strings.Contains(env.Request.Command, ",") {
		return nil, fmt.Errorf("invalid command %q", env.Request.Command)
	}

	var b strings.Builder
	b.WriteString(OutboundPrefix)
	b.WriteString(env.Request.Command)
	b.WriteString(",")
	b.WriteString(FieldRequestID)
	b.WriteString(",")
	b.WriteString(env.RequestID)
	if len(env.Request.Payload) > 0 {
		b.WriteString(",")
		b.Write(env.Request.Payload)
	}
	return []byte(b.String()), nil
}

// Decode implements transport.Codec.
func (TextCodec) Decode(data []byte) (transport.Decoded, error) {
	parts := strings.Split(string(data), ",")
	if len(parts) < 3 || parts[0] != ReplyPrefix || parts[1] != ReplyEvent {
		return transport.Decoded{}, fmt.Errorf("not a reply frame: %q", truncate(string(data), 64))
	}
	if (len(parts)-3)%2 != 0 {
		return transport.Decoded{}, fmt.Errorf("reply %s has an odd number of fields", parts[2])
	}

	fields := make(map[string]string, (len(parts)-3)/2)
	for i := 3; i+1 < len(parts); i += 2 {
		fields[parts[i]] = parts[i+1]
	}

	requestID := fields[FieldRequestID]
	delete(fields, FieldRequestID)

	if msg, ok := fields[FieldErrorMessage]; ok {
		return transport.Decoded{
			RequestID: requestID,
			Outcome:   relay.FatalOutcome(fmt.Errorf("%s: %w", parts[2], errors.New(msg))),
		}, nil
	}

	reply := &relay.Reply{
		Command: parts[2],
		Payload: data,
		Fields:  fields,
		Final:   strings.EqualFold(fields[FieldFinal], "true"),
	}
	return transport.Decoded{RequestID: requestID, Outcome: relay.ReplyOutcome(reply)}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
