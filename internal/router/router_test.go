package router

import (
	"context"
	"encoding/xml"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/palaver/internal/conversation"
	"github.com/meszmate/palaver/internal/message"
	"github.com/meszmate/palaver/internal/wire"
)

type fakeChatLog struct {
	incoming []*message.Envelope
	outgoing []string
	seen     map[string]bool
	cursors  map[string]string
	unread   map[string]int
	read     []string
}

func newFakeChatLog() *fakeChatLog {
	return &fakeChatLog{
		seen:    make(map[string]bool),
		cursors: make(map[string]string),
		unread:  make(map[string]int),
	}
}

func (f *fakeChatLog) LogIncoming(env *message.Envelope) error {
	f.incoming = append(f.incoming, env)
	return nil
}

func (f *fakeChatLog) LogOutgoing(peer jid.JID, id, plaintext, replaceID string, enc message.Encryption) error {
	f.outgoing = append(f.outgoing, plaintext)
	return nil
}

func (f *fakeChatLog) Seen(stanzaID string) bool          { return f.seen[stanzaID] }
func (f *fakeChatLog) ArchiveCursor(peer jid.JID) string  { return f.cursors[peer.Bare().String()] }
func (f *fakeChatLog) IncrementUnread(peer jid.JID) error {
	f.unread[peer.Bare().String()]++
	return nil
}
func (f *fakeChatLog) MarkRead(peer jid.JID) error {
	f.read = append(f.read, peer.Bare().String())
	f.unread[peer.Bare().String()] = 0
	return nil
}

type displayedLine struct {
	peer     string
	text     string
	outgoing bool
}

type fakeDisplay struct {
	next      int64
	lines     map[int64]*displayedLine
	order     []int64
	corrected map[int64]string
	received  []int64
	loading   []int64
	resolved  []int64
	notices   []string
}

func newFakeDisplay() *fakeDisplay {
	return &fakeDisplay{lines: make(map[int64]*displayedLine), corrected: make(map[int64]string)}
}

func (f *fakeDisplay) add(peer jid.JID, text string, outgoing bool) int64 {
	f.next++
	f.lines[f.next] = &displayedLine{peer: peer.Bare().String(), text: text, outgoing: outgoing}
	f.order = append(f.order, f.next)
	return f.next
}

func (f *fakeDisplay) Append(peer jid.JID, env *message.Envelope) int64 {
	return f.add(peer, env.Plaintext, false)
}

func (f *fakeDisplay) AppendOutgoing(peer jid.JID, id, text string, enc message.Encryption) int64 {
	return f.add(peer, text, true)
}

func (f *fakeDisplay) Correct(handle int64, newText string) {
	f.corrected[handle] = newText
	if line, ok := f.lines[handle]; ok {
		line.text = newText
	}
}

func (f *fakeDisplay) MarkReceived(handle int64) { f.received = append(f.received, handle) }

func (f *fakeDisplay) ShowLoading(peer jid.JID) int64 {
	f.next++
	f.loading = append(f.loading, f.next)
	return f.next
}

func (f *fakeDisplay) ResolveLoading(handle int64) { f.resolved = append(f.resolved, handle) }

func (f *fakeDisplay) Notice(peer jid.JID, text string) { f.notices = append(f.notices, text) }

type fakeRoster struct {
	rooms    map[string]string
	contacts map[string]bool
}

func newFakeRoster() *fakeRoster {
	return &fakeRoster{rooms: make(map[string]string), contacts: make(map[string]bool)}
}

func (f *fakeRoster) IsRoomActive(room jid.JID) bool {
	_, ok := f.rooms[room.Bare().String()]
	return ok
}
func (f *fakeRoster) InRoster(peer jid.JID) bool  { return f.contacts[peer.Bare().String()] }
func (f *fakeRoster) RoomNick(room jid.JID) string { return f.rooms[room.Bare().String()] }

type notification struct {
	peer    string
	mention bool
	current bool
}

type fakeNotifier struct {
	notified []notification
}

func (f *fakeNotifier) Notify(peer jid.JID, mention, currentWindow bool) {
	f.notified = append(f.notified, notification{peer.Bare().String(), mention, currentWindow})
}

type testHarness struct {
	router    *Router
	transport *fakeTransport
	chatlog   *fakeChatLog
	display   *fakeDisplay
	roster    *fakeRoster
	notifier  *fakeNotifier
	registry  *conversation.Registry
	echo      *message.EchoFilter
	omemo     *fakeOMEMO
	otr       *fakeOTR
}

func newTestRouter(t *testing.T, prefs Preferences) *testHarness {
	t.Helper()
	self := jid.MustParse("alice@example.com/desk")
	h := &testHarness{
		transport: &fakeTransport{},
		chatlog:   newFakeChatLog(),
		display:   newFakeDisplay(),
		roster:    newFakeRoster(),
		notifier:  &fakeNotifier{},
		registry:  conversation.NewRegistry(),
		echo:      message.NewEchoFilterWithKey([]byte("0123456789abcdef0123456789abcdef")),
		omemo:     &fakeOMEMO{devices: true},
		otr:       &fakeOTR{ready: true},
	}

	enc := NewEncryptionRouter(EncryptionConfig{
		Self:      self,
		Caps:      Capabilities{CapOMEMO: true, CapOTR: true},
		OMEMO:     h.omemo,
		OTR:       h.otr,
		Transport: h.transport,
		Echo:      h.echo,
	})
	h.router = New(Config{
		Self:       self,
		Classifier: message.NewClassifier(self, h.roster, false, nil),
		Registry:   h.registry,
		Encryption: enc,
		Echo:       h.echo,
		Transport:  h.transport,
		ChatLog:    h.chatlog,
		Display:    h.display,
		Roster:     h.roster,
		Notifier:   h.notifier,
		Prefs:      prefs,
	})
	return h
}

func (h *testHarness) handle(t *testing.T, raw string) {
	t.Helper()
	var msg wire.Message
	require.NoError(t, xml.Unmarshal([]byte(raw), &msg))
	h.router.HandleMessage(context.Background(), &msg)
}

func TestIncomingChatDisplayedLoggedAndAcked(t *testing.T) {
	h := newTestRouter(t, Preferences{})

	h.handle(t, `<message from="bob@example.com/tablet" to="alice@example.com" type="chat" id="m1"><body>hi alice</body><request xmlns="urn:xmpp:receipts"/></message>`)

	require.Len(t, h.display.order, 1)
	line := h.display.lines[h.display.order[0]]
	assert.Equal(t, "hi alice", line.text)
	assert.Equal(t, "bob@example.com", line.peer)
	assert.False(t, line.outgoing)

	require.Len(t, h.chatlog.incoming, 1)

	// Receipt sent back for the request.
	require.Len(t, h.transport.sent, 1)
	ack := h.transport.sent[0].Extension(wire.NSReceipts, "received")
	require.NotNil(t, ack)
	assert.Equal(t, "m1", ack.Attr("id"))

	// Not the current window: unread bumped, notifier told.
	assert.Equal(t, 1, h.chatlog.unread["bob@example.com"])
	require.Len(t, h.notifier.notified, 1)
	assert.True(t, h.notifier.notified[0].mention)
	assert.False(t, h.notifier.notified[0].current)
}

func TestCurrentConversationSkipsUnread(t *testing.T) {
	h := newTestRouter(t, Preferences{})
	h.router.SetCurrent(jid.MustParse("bob@example.com"))

	h.handle(t, `<message from="bob@example.com/tablet" type="chat" id="m1"><body>hi</body></message>`)

	assert.Equal(t, 0, h.chatlog.unread["bob@example.com"])
	assert.Contains(t, h.chatlog.read, "bob@example.com")
}

func TestCorrectionRewritesOriginalLine(t *testing.T) {
	h := newTestRouter(t, Preferences{})

	h.handle(t, `<message from="bob@example.com/tablet" type="chat" id="m1"><body>helo wrld</body></message>`)
	require.Len(t, h.display.order, 1)
	original := h.display.order[0]

	h.handle(t, `<message from="bob@example.com/tablet" type="chat" id="m2"><body>hello world</body><replace xmlns="urn:xmpp:message-correct:0" id="m1"/></message>`)

	assert.Equal(t, "hello world", h.display.corrected[original])
	assert.Len(t, h.display.order, 1, "correction must not append a new line")
}

func TestIllicitCorrectionRejected(t *testing.T) {
	h := newTestRouter(t, Preferences{})

	h.handle(t, `<message from="bob@example.com/tablet" type="chat" id="m1"><body>pay me back</body></message>`)
	require.Len(t, h.display.order, 1)
	original := h.display.order[0]

	// Mallory writes to her own conversation, referencing bob's id. Her
	// conversation has no such entry, so it shows as a regular message.
	h.handle(t, `<message from="mallory@evil.example/x" type="chat" id="m9"><body>pay me 100</body><replace xmlns="urn:xmpp:message-correct:0" id="m1"/></message>`)
	assert.Empty(t, h.display.corrected[original])

	// A correction inside bob's conversation but from another author is
	// rejected outright.
	bobConv, _ := h.registry.Get(jid.MustParse("bob@example.com"))
	_, err := bobConv.Corrections().Apply("m1", jid.MustParse("mallory@evil.example"), "pay me 100")
	assert.ErrorIs(t, err, conversation.ErrIllicitCorrection)
	assert.Equal(t, "pay me back", h.display.lines[original].text)
}

func TestOwnEchoDropped(t *testing.T) {
	h := newTestRouter(t, Preferences{})
	ownID := h.echo.NextID()

	h.handle(t, fmt.Sprintf(`<message from="alice@example.com" to="alice@example.com/desk" type="chat">`+
		`<sent xmlns="urn:xmpp:carbons:2"><forwarded xmlns="urn:xmpp:forward:0">`+
		`<message from="alice@example.com/desk" to="bob@example.com" type="chat" id="%s"><body>already shown</body></message>`+
		`</forwarded></sent></message>`, ownID))

	assert.Empty(t, h.display.order, "own echo must not be displayed again")
	assert.Empty(t, h.chatlog.incoming)
}

func TestCarbonFromOtherDeviceShownAsOutgoing(t *testing.T) {
	h := newTestRouter(t, Preferences{})

	h.handle(t, `<message from="alice@example.com" to="alice@example.com/desk" type="chat">`+
		`<sent xmlns="urn:xmpp:carbons:2"><forwarded xmlns="urn:xmpp:forward:0">`+
		`<message from="alice@example.com/phone" to="bob@example.com" type="chat" id="phone-1"><body>from my phone</body></message>`+
		`</forwarded></sent></message>`)

	require.Len(t, h.display.order, 1)
	line := h.display.lines[h.display.order[0]]
	assert.True(t, line.outgoing)
	assert.Equal(t, "bob@example.com", line.peer, "sent carbon keys by recipient")
	assert.Equal(t, "from my phone", line.text)
}

func TestHistoryAnchoringOnFirstMessage(t *testing.T) {
	h := newTestRouter(t, Preferences{HistoryRetrieval: true})
	h.chatlog.cursors["bob@example.com"] = "arch-7"

	h.handle(t, `<message from="bob@example.com/tablet" type="chat" id="m1"><body>hi</body></message>`)

	require.Len(t, h.transport.archives, 1)
	assert.Equal(t, "bob@example.com", h.transport.archives[0])
	require.Len(t, h.display.loading, 1)

	// First archive page resolves the placeholder.
	h.handle(t, `<message to="alice@example.com/desk">`+
		`<result xmlns="urn:xmpp:mam:2" id="arch-8"><forwarded xmlns="urn:xmpp:forward:0">`+
		`<delay xmlns="urn:xmpp:delay" stamp="2024-02-01T09:30:00Z"/>`+
		`<message from="bob@example.com/tablet" to="alice@example.com" type="chat" id="old-1"><body>earlier</body></message>`+
		`</forwarded></result></message>`)

	assert.Equal(t, h.display.loading, h.display.resolved)

	// Second live message must not re-anchor.
	h.handle(t, `<message from="bob@example.com/tablet" type="chat" id="m2"><body>again</body></message>`)
	assert.Len(t, h.transport.archives, 1)
}

func TestArchiveReplayDeduplicated(t *testing.T) {
	h := newTestRouter(t, Preferences{})
	h.chatlog.seen["arch-42"] = true

	h.handle(t, `<message to="alice@example.com/desk">`+
		`<result xmlns="urn:xmpp:mam:2" id="arch-42"><forwarded xmlns="urn:xmpp:forward:0">`+
		`<message from="bob@example.com/tablet" to="alice@example.com" type="chat" id="old-1"><body>seen before</body></message>`+
		`</forwarded></result></message>`)

	assert.Empty(t, h.display.order)
	assert.Empty(t, h.chatlog.incoming)
}

func TestReceiptAckMarksLine(t *testing.T) {
	h := newTestRouter(t, Preferences{RequestReceipts: true})
	bob := jid.MustParse("bob@example.com")

	require.NoError(t, h.router.Send(context.Background(), bob, "did you get this"))
	require.Len(t, h.transport.sent, 1)
	sentID := h.transport.sent[0].ID
	require.Len(t, h.display.order, 1)
	line := h.display.order[0]

	h.handle(t, fmt.Sprintf(`<message from="bob@example.com/tablet" type="chat"><received xmlns="urn:xmpp:receipts" id="%s"/></message>`, sentID))

	assert.Contains(t, h.display.received, line)
}

func TestOMEMOAutoStartOnLiveMessage(t *testing.T) {
	h := newTestRouter(t, Preferences{OMEMOAutoStart: true})

	h.handle(t, `<message from="bob@example.com/tablet" type="chat" id="m1">`+
		`<encrypted xmlns="urn:xmpp:omemo:2"><header sid="5"><iv>68656c6c6f</iv><key rid="99">00</key></header><payload>68656c6c6f</payload></encrypted></message>`)

	conv, ok := h.registry.Get(jid.MustParse("bob@example.com"))
	require.True(t, ok)
	assert.Equal(t, conversation.ModeOMEMO, conv.Mode())

	require.Len(t, h.display.order, 1)
	assert.Equal(t, "hello", h.display.lines[h.display.order[0]].text)
}

func TestGroupchatMentionDetection(t *testing.T) {
	h := newTestRouter(t, Preferences{})
	h.roster.rooms["room@muc.example.com"] = "alice"

	h.handle(t, `<message from="room@muc.example.com/carol" type="groupchat" id="g1"><body>morning all</body></message>`)
	h.handle(t, `<message from="room@muc.example.com/carol" type="groupchat" id="g2"><body>alice: lunch?</body></message>`)

	require.Len(t, h.notifier.notified, 2)
	assert.False(t, h.notifier.notified[0].mention)
	assert.True(t, h.notifier.notified[1].mention)
}

func TestPreDisplayHookVeto(t *testing.T) {
	h := newTestRouter(t, Preferences{})
	h.router.Hooks().AddPreDisplay(func(env *message.Envelope) bool {
		return env.Plaintext != "spam"
	})

	h.handle(t, `<message from="bob@example.com/tablet" type="chat" id="m1"><body>spam</body></message>`)
	h.handle(t, `<message from="bob@example.com/tablet" type="chat" id="m2"><body>ham</body></message>`)

	require.Len(t, h.display.order, 1)
	assert.Equal(t, "ham", h.display.lines[h.display.order[0]].text)
}

func TestPreSendHookRewrite(t *testing.T) {
	h := newTestRouter(t, Preferences{})
	h.router.Hooks().AddPreSend(func(peer jid.JID, text *string) bool {
		*text = *text + "!"
		return true
	})

	require.NoError(t, h.router.Send(context.Background(), jid.MustParse("bob@example.com"), "hey"))
	require.Len(t, h.transport.sent, 1)
	assert.Equal(t, "hey!", h.transport.sent[0].Body)
}

func TestCorrectReplacesLastSent(t *testing.T) {
	h := newTestRouter(t, Preferences{})
	bob := jid.MustParse("bob@example.com")

	require.NoError(t, h.router.Send(context.Background(), bob, "helo"))
	firstID := h.transport.sent[0].ID

	require.NoError(t, h.router.Correct(context.Background(), bob, "hello"))
	require.Len(t, h.transport.sent, 2)

	replace := h.transport.sent[1].Extension(wire.NSCorrect, "replace")
	require.NotNil(t, replace)
	assert.Equal(t, firstID, replace.Attr("id"))

	// The displayed line was rewritten in place.
	assert.Equal(t, "hello", h.display.lines[h.display.order[0]].text)
}

func TestChainedCorrectionsKeepRewritingTheOriginal(t *testing.T) {
	h := newTestRouter(t, Preferences{})
	bob := jid.MustParse("bob@example.com")

	require.NoError(t, h.router.Send(context.Background(), bob, "one"))
	require.NoError(t, h.router.Correct(context.Background(), bob, "two"))
	require.NoError(t, h.router.Correct(context.Background(), bob, "three"))

	require.Len(t, h.display.order, 1)
	assert.Equal(t, "three", h.display.lines[h.display.order[0]].text)

	// The second correction references the first correction's id on the wire
	// but still resolves to the original display entry.
	require.Len(t, h.transport.sent, 3)
	replace := h.transport.sent[2].Extension(wire.NSCorrect, "replace")
	require.NotNil(t, replace)
	assert.Equal(t, h.transport.sent[1].ID, replace.Attr("id"))
}

func TestInboundCorrectionChain(t *testing.T) {
	h := newTestRouter(t, Preferences{})

	h.handle(t, `<message from="bob@example.com/tablet" type="chat" id="m1"><body>helo</body></message>`)
	h.handle(t, `<message from="bob@example.com/tablet" type="chat" id="m2"><body>hello</body><replace xmlns="urn:xmpp:message-correct:0" id="m1"/></message>`)
	h.handle(t, `<message from="bob@example.com/tablet" type="chat" id="m3"><body>hello world</body><replace xmlns="urn:xmpp:message-correct:0" id="m2"/></message>`)

	require.Len(t, h.display.order, 1, "chained corrections must not append lines")
	assert.Equal(t, "hello world", h.display.lines[h.display.order[0]].text)
}

func TestPeerOTRTeardownClearsModeAndNotifies(t *testing.T) {
	h := newTestRouter(t, Preferences{})
	conv, _ := h.registry.Ensure(jid.MustParse("bob@example.com"), false)
	require.NoError(t, conv.BeginMode(conversation.ModeOTR))
	h.otr.ended = true

	h.handle(t, `<message from="bob@example.com/tablet" type="chat" id="m1"><body>?OTR:disconnect...</body></message>`)

	assert.Equal(t, conversation.ModeNone, conv.Mode())
	require.Len(t, h.display.notices, 1)
	assert.Contains(t, h.display.notices[0], "ended")
	assert.Empty(t, h.display.order)
}

func TestTypingStateLifecycle(t *testing.T) {
	h := newTestRouter(t, Preferences{})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.router.SetClock(func() time.Time { return now })
	bob := jid.MustParse("bob@example.com")
	ctx := context.Background()

	h.router.NoteTyping(ctx, bob)
	require.Len(t, h.transport.sent, 1)
	assert.NotNil(t, h.transport.sent[0].Extension(wire.NSChatStates, "composing"))

	// Repeated typing while already composing stays silent.
	h.router.NoteTyping(ctx, bob)
	assert.Len(t, h.transport.sent, 1)

	now = now.Add(11 * time.Second)
	h.router.TickChatStates(ctx)
	require.Len(t, h.transport.sent, 2)
	assert.NotNil(t, h.transport.sent[1].Extension(wire.NSChatStates, "paused"))

	now = now.Add(3 * time.Minute)
	h.router.TickChatStates(ctx)
	require.Len(t, h.transport.sent, 3)
	assert.NotNil(t, h.transport.sent[2].Extension(wire.NSChatStates, "inactive"))
}

func TestSendResetsTypingState(t *testing.T) {
	h := newTestRouter(t, Preferences{})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.router.SetClock(func() time.Time { return now })
	bob := jid.MustParse("bob@example.com")
	ctx := context.Background()

	h.router.NoteTyping(ctx, bob)
	require.NoError(t, h.router.Send(ctx, bob, "done typing"))
	require.Len(t, h.transport.sent, 2)
	assert.NotNil(t, h.transport.sent[1].Extension(wire.NSChatStates, "active"),
		"content messages carry the active state inline")

	// Sending reset the machine to active, so no paused decay fires.
	now = now.Add(11 * time.Second)
	h.router.TickChatStates(ctx)
	assert.Len(t, h.transport.sent, 2)
}

func TestCorrectWithoutPriorSend(t *testing.T) {
	h := newTestRouter(t, Preferences{})
	err := h.router.Correct(context.Background(), jid.MustParse("bob@example.com"), "whoops")
	assert.ErrorIs(t, err, ErrNothingToCorrect)
}

func TestReconnectClearsEncryptionState(t *testing.T) {
	h := newTestRouter(t, Preferences{})
	conv, _ := h.registry.Ensure(jid.MustParse("bob@example.com"), false)
	require.NoError(t, conv.BeginMode(conversation.ModeOMEMO))

	h.router.Reconnect(context.Background())

	assert.Equal(t, conversation.ModeNone, conv.Mode())
}

func TestErrorBounceShowsNotice(t *testing.T) {
	h := newTestRouter(t, Preferences{})

	h.handle(t, `<message from="bob@example.com" type="error" id="m1">`+
		`<error type="cancel"><text xmlns="urn:ietf:params:xml:ns:xmpp-stanzas">recipient unavailable</text></error></message>`)

	require.Len(t, h.display.notices, 1)
	assert.Contains(t, h.display.notices[0], "recipient unavailable")
	assert.Empty(t, h.display.order)
}
