package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/polisai/polis-relay/pkg/relay"
	"github.com/polisai/polis-relay/pkg/transport"
)

// DefaultWaitMarker is the body a conversation service returns while it is
// still computing the next turn.
const DefaultWaitMarker = "#..WAIT..#"

// ActionEnd is the action type that ends a conversation script.
const ActionEnd = "End"

// Action is one step of a conversation turn.
type Action struct {
	Type  string            `json:"type"`
	Agent string            `json:"agent,omitempty"`
	Text  string            `json:"text,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

type requestBody struct {
	Session   string `json:"session"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
	Input     string `json:"input,omitempty"`
	Attempt   int    `json:"attempt"`
}

type responseBody struct {
	RequestID string   `json:"request_id,omitempty"`
	Actions   []Action `json:"actions"`
	Error     string   `json:"error,omitempty"`
}

// JSONCodec encodes turns as JSON and decodes action-list responses.
type JSONCodec struct {
	WaitMarker   string
	PollInterval time.Duration
}

var _ transport.Codec = JSONCodec{}

// Encode implements transport.Codec.
func (c JSONCodec) Encode(env relay.Envelope) ([]byte, error) {
	return json.Marshal(requestBody{
		Session:   string(env.SessionKey),
		SessionID: env.SessionID,
		RequestID: env.RequestID,
		Command:   env.Request.Command,
		Input:     string(env.Request.Payload),
		Attempt:   env.Attempt,
	})
}

// Decode implements transport.Codec. The wait marker becomes a pending
// outcome, an error field a fatal one, and an End action marks the reply
// final.
func (c JSONCodec) Decode(data []byte) (transport.Decoded, error) {
	marker := c.WaitMarker
	if marker == "" {
		marker = DefaultWaitMarker
	}
	if strings.Contains(string(data), marker) {
		return transport.Decoded{Outcome: relay.PendingOutcome(c.PollInterval)}, nil
	}

	var body responseBody
	if err := json.Unmarshal(data, &body); err != nil {
		return transport.Decoded{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if body.Error != "" {
		return transport.Decoded{
			RequestID: body.RequestID,
			Outcome:   relay.FatalOutcome(errors.New(body.Error)),
		}, nil
	}

	reply := &relay.Reply{
		Payload: data,
		Fields:  make(map[string]string),
	}
	var texts []string
	for _, action := range body.Actions {
		if strings.EqualFold(action.Type, ActionEnd) {
			reply.Final = true
		}
		if action.Text != "" {
			texts = append(texts, action.Text)
		}
		for k, v := range action.Data {
			reply.Fields[k] = v
		}
	}
	if len(body.Actions) > 0 {
		reply.Command = body.Actions[0].Type
	}
	if len(texts) > 0 {
		reply.Fields["text"] = strings.Join(texts, " ")
	}

	return transport.Decoded{RequestID: body.RequestID, Outcome: relay.ReplyOutcome(reply)}, nil
}
