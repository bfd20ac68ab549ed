// Package wire holds the XML-level representation of message stanzas and the
// extension elements the message pipeline inspects. Stanza attributes and
// addressing reuse mellium.im/xmpp types; extension payloads are kept as raw
// inner XML and decoded on demand.
package wire

import (
	"bytes"
	"crypto/rand"
	"encoding/xml"
	"fmt"

	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Namespaces of the extensions handled by the classifier.
const (
	NSCarbons    = "urn:xmpp:carbons:2"
	NSForward    = "urn:xmpp:forward:0"
	NSMAM        = "urn:xmpp:mam:2"
	NSReceipts   = "urn:xmpp:receipts"
	NSChatStates = "http://jabber.org/protocol/chatstates"
	NSCorrect    = "urn:xmpp:message-correct:0"
	NSStanzaID   = "urn:xmpp:sid:0"
	NSMUCUser    = "http://jabber.org/protocol/muc#user"
	NSConference = "jabber:x:conference"
	NSPubSub     = "http://jabber.org/protocol/pubsub#event"
	NSPGP        = "jabber:x:encrypted"
	NSOX         = "urn:xmpp:openpgp:0"
	NSOMEMO      = "urn:xmpp:omemo:2"
	NSJingleMsg  = "urn:xmpp:jingle-message:0"
	NSData       = "jabber:x:data"
	NSCaptcha    = "urn:xmpp:captcha"
	NSDelay      = delay.NS
)

// Message is one message stanza as read off the stream. Subject, body and
// thread get their own fields; everything else lands in Extensions in
// document order.
type Message struct {
	stanza.Message

	Subject    *Subject     `xml:"subject,omitempty"`
	Body       string       `xml:"body,omitempty"`
	Thread     string       `xml:"thread,omitempty"`
	Error      *StanzaError `xml:"error,omitempty"`
	Extensions []Extension  `xml:",any"`
}

// Subject distinguishes an empty subject element (a subject reset) from an
// absent one.
type Subject struct {
	Text string `xml:",chardata"`
}

// StanzaError is the error child of a type="error" stanza.
type StanzaError struct {
	XMLName xml.Name `xml:"error"`
	Type    string   `xml:"type,attr"`
	Text    string   `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text"`
	Inner   []byte   `xml:",innerxml"`
}

// Extension is an unrecognized-at-parse-time child element, preserved with
// its attributes and inner XML so it can be decoded into a typed struct later.
type Extension struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
}

// OuterXML rebuilds the full element including its start tag and attributes.
// Inner XML alone loses attributes, which several extensions (delay stamps,
// replace ids, receipt ids) carry all their data in.
func (e Extension) OuterXML() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('<')
	buf.WriteString(e.XMLName.Local)
	if e.XMLName.Space != "" {
		fmt.Fprintf(&buf, " xmlns=%q", e.XMLName.Space)
	}
	for _, attr := range e.Attrs {
		if attr.Name.Local == "xmlns" || attr.Name.Space == "xmlns" {
			continue
		}
		var escaped bytes.Buffer
		if err := xml.EscapeText(&escaped, []byte(attr.Value)); err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, " %s=\"%s\"", attr.Name.Local, escaped.String())
	}
	buf.WriteByte('>')
	buf.Write(e.Inner)
	buf.WriteString("</" + e.XMLName.Local + ">")
	return buf.Bytes(), nil
}

// Attr returns the named attribute value, or "".
func (e Extension) Attr(local string) string {
	for _, attr := range e.Attrs {
		if attr.Name.Local == local {
			return attr.Value
		}
	}
	return ""
}

// Decode unmarshals the reconstructed element into v.
func (e Extension) Decode(v interface{}) error {
	raw, err := e.OuterXML()
	if err != nil {
		return err
	}
	return xml.Unmarshal(raw, v)
}

// Extension returns the first extension matching the namespace and local
// name, or nil.
func (m *Message) Extension(space, local string) *Extension {
	for i := range m.Extensions {
		if m.Extensions[i].XMLName.Space == space && m.Extensions[i].XMLName.Local == local {
			return &m.Extensions[i]
		}
	}
	return nil
}

// HasExtension reports whether any extension in the namespace is present.
func (m *Message) HasExtension(space string) bool {
	for i := range m.Extensions {
		if m.Extensions[i].XMLName.Space == space {
			return true
		}
	}
	return false
}

// ChatState values per XEP-0085.
type ChatState string

const (
	StateActive    ChatState = "active"
	StateComposing ChatState = "composing"
	StatePaused    ChatState = "paused"
	StateInactive  ChatState = "inactive"
	StateGone      ChatState = "gone"
)

// ChatState returns the chat-state notification carried by the stanza, if any.
func (m *Message) ChatState() (ChatState, bool) {
	for i := range m.Extensions {
		if m.Extensions[i].XMLName.Space != NSChatStates {
			continue
		}
		switch local := m.Extensions[i].XMLName.Local; local {
		case "active", "composing", "paused", "inactive", "gone":
			return ChatState(local), true
		}
	}
	return "", false
}

// ReplaceID returns the id referenced by an LMC replace element, or "".
func (m *Message) ReplaceID() string {
	if ext := m.Extension(NSCorrect, "replace"); ext != nil {
		return ext.Attr("id")
	}
	return ""
}

// OriginID returns the client-assigned stable id (XEP-0359), or "".
func (m *Message) OriginID() string {
	if ext := m.Extension(NSStanzaID, "origin-id"); ext != nil {
		return ext.Attr("id")
	}
	return ""
}

// StanzaID returns the archive-assigned stable id (XEP-0359), or "".
func (m *Message) StanzaID() string {
	if ext := m.Extension(NSStanzaID, "stanza-id"); ext != nil {
		return ext.Attr("id")
	}
	return ""
}

// WantsReceipt reports whether the sender asked for a delivery receipt.
func (m *Message) WantsReceipt() bool {
	return m.Extension(NSReceipts, "request") != nil
}

// ReceiptReceived returns the id acknowledged by a receipts received element.
func (m *Message) ReceiptReceived() (string, bool) {
	if ext := m.Extension(NSReceipts, "received"); ext != nil {
		return ext.Attr("id"), true
	}
	return "", false
}

// Delays returns every delay element on the stanza. Servers may attach more
// than one; groupchat history resolution wants the oldest.
func (m *Message) Delays() []delay.Delay {
	var out []delay.Delay
	for i := range m.Extensions {
		if m.Extensions[i].XMLName.Space != NSDelay || m.Extensions[i].XMLName.Local != "delay" {
			continue
		}
		var d delay.Delay
		if err := m.Extensions[i].Decode(&d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Forwarded is the XEP-0297 wrapper used by carbons and MAM results.
type Forwarded struct {
	XMLName xml.Name     `xml:"urn:xmpp:forward:0 forwarded"`
	Delay   *delay.Delay `xml:"urn:xmpp:delay delay"`
	Message *Message     `xml:"message"`
}

// Carbon is a carbons received or sent wrapper. Sent reports which direction
// the carbon copies.
type Carbon struct {
	Sent      bool
	Forwarded Forwarded
}

// Carbon returns the carbon wrapper on the stanza, if any.
func (m *Message) Carbon() (*Carbon, error) {
	for i := range m.Extensions {
		ext := &m.Extensions[i]
		if ext.XMLName.Space != NSCarbons {
			continue
		}
		if ext.XMLName.Local != "received" && ext.XMLName.Local != "sent" {
			continue
		}
		var fwd Forwarded
		if err := xml.Unmarshal(ext.Inner, &fwd); err != nil {
			return nil, fmt.Errorf("malformed carbon: %w", err)
		}
		return &Carbon{Sent: ext.XMLName.Local == "sent", Forwarded: fwd}, nil
	}
	return nil, nil
}

// MAMResult is an archive query result (XEP-0313).
type MAMResult struct {
	QueryID   string
	ID        string
	Forwarded Forwarded
}

// MAMResult returns the archive result wrapper on the stanza, if any.
func (m *Message) MAMResult() (*MAMResult, error) {
	ext := m.Extension(NSMAM, "result")
	if ext == nil {
		return nil, nil
	}
	var fwd Forwarded
	if err := xml.Unmarshal(ext.Inner, &fwd); err != nil {
		return nil, fmt.Errorf("malformed archive result: %w", err)
	}
	return &MAMResult{
		QueryID:   ext.Attr("queryid"),
		ID:        ext.Attr("id"),
		Forwarded: fwd,
	}, nil
}

// MUCUser is the muc#user x element carrying invites and status codes.
type MUCUser struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/muc#user x"`
	Invite  *struct {
		From   jid.JID `xml:"from,attr,omitempty"`
		Reason string  `xml:"reason,omitempty"`
	} `xml:"invite"`
	Decline *struct {
		From   jid.JID `xml:"from,attr,omitempty"`
		Reason string  `xml:"reason,omitempty"`
	} `xml:"decline"`
	Password string `xml:"password,omitempty"`
	Status   []struct {
		Code int `xml:"code,attr"`
	} `xml:"status"`
}

// MUCUser returns the muc#user payload, if any.
func (m *Message) MUCUser() (*MUCUser, error) {
	ext := m.Extension(NSMUCUser, "x")
	if ext == nil {
		return nil, nil
	}
	var x MUCUser
	if err := ext.Decode(&x); err != nil {
		return nil, fmt.Errorf("malformed muc#user element: %w", err)
	}
	return &x, nil
}

// DirectInvite is a direct MUC invitation (XEP-0249).
type DirectInvite struct {
	XMLName  xml.Name `xml:"jabber:x:conference x"`
	Room     jid.JID  `xml:"jid,attr"`
	Reason   string   `xml:"reason,attr,omitempty"`
	Password string   `xml:"password,attr,omitempty"`
}

// DirectInvite returns the direct invitation payload, if any.
func (m *Message) DirectInvite() (*DirectInvite, error) {
	ext := m.Extension(NSConference, "x")
	if ext == nil {
		return nil, nil
	}
	var inv DirectInvite
	if err := ext.Decode(&inv); err != nil {
		return nil, fmt.Errorf("malformed direct invite: %w", err)
	}
	return &inv, nil
}

// PGPCiphertext returns the base64 payload of a legacy XEP-0027 encrypted
// element, or "".
func (m *Message) PGPCiphertext() string {
	if ext := m.Extension(NSPGP, "x"); ext != nil {
		return string(bytes.TrimSpace(ext.Inner))
	}
	return ""
}

// OXPayload returns the base64 payload of an XEP-0373 openpgp element, or "".
func (m *Message) OXPayload() string {
	if ext := m.Extension(NSOX, "openpgp"); ext != nil {
		return string(bytes.TrimSpace(ext.Inner))
	}
	return ""
}

// OMEMOEncrypted is the OMEMO envelope. Key material and payload are
// hex-encoded in transit.
type OMEMOEncrypted struct {
	XMLName xml.Name    `xml:"urn:xmpp:omemo:2 encrypted"`
	Header  OMEMOHeader `xml:"header"`
	Payload string      `xml:"payload,omitempty"`
}

// OMEMOHeader identifies the sending device and carries one wrapped key per
// recipient device.
type OMEMOHeader struct {
	SID  uint32     `xml:"sid,attr"`
	IV   string     `xml:"iv"`
	Keys []OMEMOKey `xml:"key"`
}

// OMEMOKey is one wrapped message key.
type OMEMOKey struct {
	RID    uint32 `xml:"rid,attr"`
	PreKey bool   `xml:"prekey,attr,omitempty"`
	Value  string `xml:",chardata"`
}

// OMEMOPayload returns the OMEMO envelope on the stanza, if any.
func (m *Message) OMEMOPayload() (*OMEMOEncrypted, error) {
	ext := m.Extension(NSOMEMO, "encrypted")
	if ext == nil {
		return nil, nil
	}
	var enc OMEMOEncrypted
	if err := ext.Decode(&enc); err != nil {
		return nil, fmt.Errorf("malformed omemo envelope: %w", err)
	}
	return &enc, nil
}

// Replace builds an LMC replace extension referencing id.
func Replace(id string) Extension {
	return Extension{
		XMLName: xml.Name{Space: NSCorrect, Local: "replace"},
		Attrs:   []xml.Attr{{Name: xml.Name{Local: "id"}, Value: id}},
	}
}

// OriginIDExt builds an origin-id extension carrying id.
func OriginIDExt(id string) Extension {
	return Extension{
		XMLName: xml.Name{Space: NSStanzaID, Local: "origin-id"},
		Attrs:   []xml.Attr{{Name: xml.Name{Local: "id"}, Value: id}},
	}
}

// ReceiptRequest builds a receipts request extension.
func ReceiptRequest() Extension {
	return Extension{XMLName: xml.Name{Space: NSReceipts, Local: "request"}}
}

// ReceiptReceivedExt builds a receipts received extension acknowledging id.
func ReceiptReceivedExt(id string) Extension {
	return Extension{
		XMLName: xml.Name{Space: NSReceipts, Local: "received"},
		Attrs:   []xml.Attr{{Name: xml.Name{Local: "id"}, Value: id}},
	}
}

// ChatStateExt builds a chat-state notification extension.
func ChatStateExt(state ChatState) Extension {
	return Extension{XMLName: xml.Name{Space: NSChatStates, Local: string(state)}}
}

// GenerateID returns a random id usable where no self-echo tagging is needed
// (receipts, queries).
func GenerateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
