package wire

import (
	"encoding/xml"
	"strings"
	"testing"

	"mellium.im/xmpp/stanza"
)

func parse(t *testing.T, raw string) *Message {
	t.Helper()
	var msg Message
	if err := xml.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("Failed to parse stanza: %v", err)
	}
	return &msg
}

func TestParseBasicChatMessage(t *testing.T) {
	msg := parse(t, `<message from="bob@example.com/tablet" to="alice@example.com" type="chat" id="m1"><body>hello</body></message>`)

	if msg.Type != stanza.ChatMessage {
		t.Errorf("Expected chat type, got %v", msg.Type)
	}
	if msg.Body != "hello" {
		t.Errorf("Expected body 'hello', got %q", msg.Body)
	}
	if msg.From.Bare().String() != "bob@example.com" {
		t.Errorf("Unexpected from: %s", msg.From)
	}
	if msg.ID != "m1" {
		t.Errorf("Unexpected id: %s", msg.ID)
	}
}

func TestExtensionOuterXMLKeepsAttributes(t *testing.T) {
	msg := parse(t, `<message from="bob@example.com" type="chat"><body>fixed</body><replace xmlns="urn:xmpp:message-correct:0" id="orig-1"/></message>`)

	ext := msg.Extension(NSCorrect, "replace")
	if ext == nil {
		t.Fatal("Expected replace extension")
	}
	raw, err := ext.OuterXML()
	if err != nil {
		t.Fatalf("OuterXML failed: %v", err)
	}
	if !strings.Contains(string(raw), `id="orig-1"`) {
		t.Errorf("OuterXML lost the id attribute: %s", raw)
	}
	if msg.ReplaceID() != "orig-1" {
		t.Errorf("Expected replace id orig-1, got %q", msg.ReplaceID())
	}
}

func TestStableIDs(t *testing.T) {
	msg := parse(t, `<message from="bob@example.com" type="chat"><body>x</body>`+
		`<origin-id xmlns="urn:xmpp:sid:0" id="client-id"/>`+
		`<stanza-id xmlns="urn:xmpp:sid:0" id="archive-id" by="alice@example.com"/></message>`)

	if msg.OriginID() != "client-id" {
		t.Errorf("Expected origin-id client-id, got %q", msg.OriginID())
	}
	if msg.StanzaID() != "archive-id" {
		t.Errorf("Expected stanza-id archive-id, got %q", msg.StanzaID())
	}
}

func TestChatStateDetection(t *testing.T) {
	msg := parse(t, `<message from="bob@example.com" type="chat"><composing xmlns="http://jabber.org/protocol/chatstates"/></message>`)

	state, ok := msg.ChatState()
	if !ok {
		t.Fatal("Expected a chat state")
	}
	if state != StateComposing {
		t.Errorf("Expected composing, got %s", state)
	}
	if msg.Body != "" {
		t.Errorf("Expected empty body, got %q", msg.Body)
	}
}

func TestReceipts(t *testing.T) {
	req := parse(t, `<message from="bob@example.com" type="chat" id="m9"><body>please ack</body><request xmlns="urn:xmpp:receipts"/></message>`)
	if !req.WantsReceipt() {
		t.Error("Expected receipt request")
	}

	ack := parse(t, `<message from="bob@example.com" type="chat"><received xmlns="urn:xmpp:receipts" id="m9"/></message>`)
	id, ok := ack.ReceiptReceived()
	if !ok || id != "m9" {
		t.Errorf("Expected receipt for m9, got %q ok=%v", id, ok)
	}
}

func TestCarbonUnwrap(t *testing.T) {
	msg := parse(t, `<message from="alice@example.com" to="alice@example.com/desk" type="chat">`+
		`<received xmlns="urn:xmpp:carbons:2"><forwarded xmlns="urn:xmpp:forward:0">`+
		`<delay xmlns="urn:xmpp:delay" stamp="2024-03-01T12:00:00Z"/>`+
		`<message from="bob@example.com/tablet" to="alice@example.com" type="chat"><body>carbon body</body></message>`+
		`</forwarded></received></message>`)

	carbon, err := msg.Carbon()
	if err != nil {
		t.Fatalf("Carbon unwrap failed: %v", err)
	}
	if carbon == nil {
		t.Fatal("Expected a carbon wrapper")
	}
	if carbon.Sent {
		t.Error("Expected received direction")
	}
	if carbon.Forwarded.Message == nil {
		t.Fatal("Expected forwarded message")
	}
	if carbon.Forwarded.Message.Body != "carbon body" {
		t.Errorf("Unexpected forwarded body: %q", carbon.Forwarded.Message.Body)
	}
	if carbon.Forwarded.Delay == nil {
		t.Error("Expected forwarded delay stamp")
	}
}

func TestMAMResultUnwrap(t *testing.T) {
	msg := parse(t, `<message to="alice@example.com/desk">`+
		`<result xmlns="urn:xmpp:mam:2" queryid="q1" id="arch-42"><forwarded xmlns="urn:xmpp:forward:0">`+
		`<delay xmlns="urn:xmpp:delay" stamp="2024-02-01T09:30:00Z"/>`+
		`<message from="bob@example.com/phone" to="alice@example.com" type="chat"><body>old news</body></message>`+
		`</forwarded></result></message>`)

	res, err := msg.MAMResult()
	if err != nil {
		t.Fatalf("MAM unwrap failed: %v", err)
	}
	if res == nil {
		t.Fatal("Expected archive result")
	}
	if res.ID != "arch-42" || res.QueryID != "q1" {
		t.Errorf("Unexpected ids: %q %q", res.ID, res.QueryID)
	}
	if res.Forwarded.Message == nil || res.Forwarded.Message.Body != "old news" {
		t.Error("Forwarded message not recovered")
	}
}

func TestMultipleDelays(t *testing.T) {
	msg := parse(t, `<message from="room@muc.example.com/carol" type="groupchat"><body>history</body>`+
		`<delay xmlns="urn:xmpp:delay" stamp="2024-03-02T10:00:00Z"/>`+
		`<delay xmlns="urn:xmpp:delay" stamp="2024-03-01T10:00:00Z"/></message>`)

	delays := msg.Delays()
	if len(delays) != 2 {
		t.Fatalf("Expected 2 delay stamps, got %d", len(delays))
	}
	if !delays[1].Time.Before(delays[0].Time) {
		t.Error("Expected the second stamp to be older")
	}
}

func TestMediatedInvite(t *testing.T) {
	msg := parse(t, `<message from="room@muc.example.com" to="alice@example.com">`+
		`<x xmlns="http://jabber.org/protocol/muc#user">`+
		`<invite from="carol@example.com"><reason>planning</reason></invite><password>sesame</password></x></message>`)

	x, err := msg.MUCUser()
	if err != nil {
		t.Fatalf("MUCUser failed: %v", err)
	}
	if x == nil || x.Invite == nil {
		t.Fatal("Expected mediated invite")
	}
	if x.Invite.From.String() != "carol@example.com" {
		t.Errorf("Unexpected inviter: %s", x.Invite.From)
	}
	if x.Invite.Reason != "planning" {
		t.Errorf("Unexpected reason: %q", x.Invite.Reason)
	}
	if x.Password != "sesame" {
		t.Errorf("Unexpected password: %q", x.Password)
	}
}

func TestDirectInvite(t *testing.T) {
	msg := parse(t, `<message from="carol@example.com/phone" to="alice@example.com">`+
		`<x xmlns="jabber:x:conference" jid="room@muc.example.com" reason="come"/></message>`)

	inv, err := msg.DirectInvite()
	if err != nil {
		t.Fatalf("DirectInvite failed: %v", err)
	}
	if inv == nil {
		t.Fatal("Expected direct invite")
	}
	if inv.Room.String() != "room@muc.example.com" {
		t.Errorf("Unexpected room: %s", inv.Room)
	}
}

func TestEncryptedPayloadExtraction(t *testing.T) {
	pgpMsg := parse(t, `<message from="bob@example.com" type="chat"><body>This message is encrypted.</body>`+
		`<x xmlns="jabber:x:encrypted">BASE64PGP</x></message>`)
	if got := pgpMsg.PGPCiphertext(); got != "BASE64PGP" {
		t.Errorf("Unexpected PGP payload: %q", got)
	}

	oxMsg := parse(t, `<message from="bob@example.com" type="chat"><openpgp xmlns="urn:xmpp:openpgp:0">BASE64OX</openpgp></message>`)
	if got := oxMsg.OXPayload(); got != "BASE64OX" {
		t.Errorf("Unexpected OX payload: %q", got)
	}

	omemoMsg := parse(t, `<message from="bob@example.com" type="chat">`+
		`<encrypted xmlns="urn:xmpp:omemo:2"><header sid="1234"><iv>00ff</iv><key rid="42">aabb</key></header><payload>deadbeef</payload></encrypted></message>`)
	enc, err := omemoMsg.OMEMOPayload()
	if err != nil {
		t.Fatalf("OMEMO payload failed: %v", err)
	}
	if enc == nil {
		t.Fatal("Expected OMEMO envelope")
	}
	if enc.Header.SID != 1234 {
		t.Errorf("Unexpected sid: %d", enc.Header.SID)
	}
	if len(enc.Header.Keys) != 1 || enc.Header.Keys[0].RID != 42 {
		t.Errorf("Unexpected keys: %+v", enc.Header.Keys)
	}
	if enc.Payload != "deadbeef" {
		t.Errorf("Unexpected payload: %q", enc.Payload)
	}
}

func TestBuilders(t *testing.T) {
	if got := Replace("m1").Attr("id"); got != "m1" {
		t.Errorf("Replace builder lost id: %q", got)
	}
	if got := OriginIDExt("o1").Attr("id"); got != "o1" {
		t.Errorf("OriginIDExt builder lost id: %q", got)
	}
	if ReceiptRequest().XMLName.Space != NSReceipts {
		t.Error("ReceiptRequest builder has wrong namespace")
	}
	if ChatStateExt(StatePaused).XMLName.Local != "paused" {
		t.Error("ChatStateExt builder has wrong local name")
	}
}

func TestGenerateIDUnique(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	if a == b {
		t.Error("Expected distinct generated ids")
	}
	if len(a) != 16 {
		t.Errorf("Unexpected id length: %d", len(a))
	}
}
