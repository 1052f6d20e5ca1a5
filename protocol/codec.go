package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// MessageToEvent JSON-encodes a JSON-RPC message into an unsigned event
// template of the given kind.
func MessageToEvent(m *Message, pubkey string, kind int, tags nostr.Tags) (*nostr.Event, error) {
	content, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if tags == nil {
		tags = nostr.Tags{}
	}
	return &nostr.Event{
		PubKey:    pubkey,
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      tags,
		Content:   string(content),
	}, nil
}

// EventToMessage decodes and validates the JSON-RPC message carried in an
// event's content. maxBytes <= 0 uses DefaultMaxMessageBytes.
func EventToMessage(ev *nostr.Event, maxBytes int) (*Message, error) {
	return ParseMessage([]byte(ev.Content), maxBytes)
}

// FirstTagValue returns the value of the first tag with the given name, or "".
func FirstTagValue(ev *nostr.Event, name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns every value of tags with the given name, in order.
func TagValues(ev *nostr.Event, name string) []string {
	var values []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}
