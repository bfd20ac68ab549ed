package router

import (
	"mellium.im/xmpp/jid"

	"github.com/meszmate/palaver/internal/message"
)

// IncomingHook runs before an inbound message is persisted and displayed. It
// may rewrite the envelope in place; returning false vetoes the message
// entirely. Hooks transform payloads, they never reorder the pipeline.
type IncomingHook func(env *message.Envelope) bool

// OutgoingHook runs before an outgoing message is handed to the encryption
// layer and transmitted. It may rewrite the text; returning false vetoes the
// send.
type OutgoingHook func(peer jid.JID, text *string) bool

// HookChain is the ordered list of extension hooks invoked at the router's
// two fixed extension points.
type HookChain struct {
	preDisplay []IncomingHook
	preSend    []OutgoingHook
}

// NewHookChain creates an empty chain.
func NewHookChain() *HookChain {
	return &HookChain{}
}

// AddPreDisplay appends a hook run before persistence and display.
func (h *HookChain) AddPreDisplay(hook IncomingHook) {
	h.preDisplay = append(h.preDisplay, hook)
}

// AddPreSend appends a hook run before transmission.
func (h *HookChain) AddPreSend(hook OutgoingHook) {
	h.preSend = append(h.preSend, hook)
}

func (h *HookChain) runPreDisplay(env *message.Envelope) bool {
	for _, hook := range h.preDisplay {
		if !hook(env) {
			return false
		}
	}
	return true
}

func (h *HookChain) runPreSend(peer jid.JID, text *string) bool {
	for _, hook := range h.preSend {
		if !hook(peer, text) {
			return false
		}
	}
	return true
}
