package transport

import (
	"github.com/contextvm/ctxvm-go/protocol"
)

// CapabilityRef names a method, optionally narrowed to one capability name.
// A ref with an empty Name matches every capability of the method.
type CapabilityRef struct {
	Method string
	Name   string
}

// Matches reports whether the ref covers a message.
func (r CapabilityRef) Matches(msg *protocol.Message) bool {
	if msg.Method != r.Method {
		return false
	}
	return r.Name == "" || r.Name == msg.ParamName()
}

// AuthPolicy decides which clients may talk to the server. A nil allow list
// admits everyone; exclusions open individual capabilities to unlisted
// clients.
type AuthPolicy struct {
	AllowedPubkeys []string
	Exclusions     []CapabilityRef
	IsPublicServer bool
}

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed bool

	// RespondUnauthorized is set when the denial should be answered with a
	// JSON-RPC error rather than dropped. Only requests on public servers
	// get an answer.
	RespondUnauthorized bool
}

// Check authorizes one inbound message from a client.
func (p *AuthPolicy) Check(clientPubkey string, msg *protocol.Message) Decision {
	// The handshake is always allowed so any client can discover the server.
	if msg.Method == protocol.MethodInitialize || msg.Method == protocol.NotificationInitialized {
		return Decision{Allowed: true}
	}
	if len(p.AllowedPubkeys) == 0 {
		return Decision{Allowed: true}
	}
	for _, pk := range p.AllowedPubkeys {
		if pk == clientPubkey {
			return Decision{Allowed: true}
		}
	}
	if msg.Method != "" {
		for _, ex := range p.Exclusions {
			if ex.Matches(msg) {
				return Decision{Allowed: true}
			}
		}
	}
	return Decision{
		Allowed:             false,
		RespondUnauthorized: p.IsPublicServer && msg.IsRequest(),
	}
}
