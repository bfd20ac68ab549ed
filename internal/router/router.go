package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/palaver/internal/conversation"
	"github.com/meszmate/palaver/internal/message"
	"github.com/meszmate/palaver/internal/wire"
)

// Router is the per-account message orchestrator. Every inbound stanza and
// every outgoing send flows through it; it owns the conversation registry and
// drives the display, the chat log and the notifier. All methods are called
// from the single session goroutine.
type Router struct {
	self       jid.JID
	classifier *message.Classifier
	registry   *conversation.Registry
	enc        *EncryptionRouter
	echo       *message.EchoFilter
	transport  Transport
	chatlog    ChatLog
	display    Display
	roster     Roster
	notifier   Notifier
	hooks      *HookChain
	prefs      Preferences
	log        *logrus.Entry
	clock      func() time.Time

	// current is the conversation shown in the active window; messages routed
	// to it do not bump unread counters.
	current string

	// receipts maps outgoing ids awaiting a delivery receipt to their display
	// handles.
	receipts map[string]int64

	// loading maps conversations with an outstanding archive request to their
	// loading-indicator handles.
	loading map[string]int64

	// typing holds the outgoing chat-state machine per conversation.
	typing map[string]*conversation.StateTracker
}

// Config wires a Router.
type Config struct {
	Self       jid.JID
	Classifier *message.Classifier
	Registry   *conversation.Registry
	Encryption *EncryptionRouter
	Echo       *message.EchoFilter
	Transport  Transport
	ChatLog    ChatLog
	Display    Display
	Roster     Roster
	Notifier   Notifier
	Hooks      *HookChain
	Prefs      Preferences
	Log        *logrus.Entry
}

// New builds a router from its configuration.
func New(cfg Config) *Router {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NewHookChain()
	}
	return &Router{
		self:       cfg.Self,
		classifier: cfg.Classifier,
		registry:   cfg.Registry,
		enc:        cfg.Encryption,
		echo:       cfg.Echo,
		transport:  cfg.Transport,
		chatlog:    cfg.ChatLog,
		display:    cfg.Display,
		roster:     cfg.Roster,
		notifier:   cfg.Notifier,
		hooks:      hooks,
		prefs:      cfg.Prefs,
		log:        log,
		clock:      time.Now,
		receipts:   make(map[string]int64),
		loading:    make(map[string]int64),
		typing:     make(map[string]*conversation.StateTracker),
	}
}

// Hooks returns the hook chain so the session layer can register extensions.
func (r *Router) Hooks() *HookChain { return r.hooks }

// SetClock overrides the time source. Used by tests.
func (r *Router) SetClock(clock func() time.Time) { r.clock = clock }

// SetCurrent records which conversation the active window shows and clears its
// unread counter.
func (r *Router) SetCurrent(peer jid.JID) {
	r.current = peer.Bare().String()
	if err := r.chatlog.MarkRead(peer.Bare()); err != nil {
		r.log.WithError(err).Warn("failed to clear unread counter")
	}
}

// HandleMessage processes one inbound message stanza to completion.
func (r *Router) HandleMessage(ctx context.Context, msg *wire.Message) {
	switch cls := r.classifier.Classify(msg, false).(type) {
	case message.Ignore:
		r.log.WithField("reason", cls.Reason).Debug("ignoring stanza")
	case message.ErrorReport:
		r.handleError(cls)
	case message.ChatStateEvent:
		r.handleChatState(cls)
	case message.SubjectChange:
		r.display.Notice(cls.Room, fmt.Sprintf("%s set the subject: %s", cls.Nick, cls.Subject))
	case message.RoomBroadcast:
		r.display.Notice(cls.Room, cls.Text)
	case message.Invite:
		r.handleInvite(cls)
	case message.ReceiptAck:
		r.handleReceipt(cls)
	case message.CallProposal:
		r.display.Notice(cls.From.Bare(), fmt.Sprintf("%s is calling", cls.From.String()))
		r.notifier.Notify(cls.From.Bare(), true, r.isCurrent(cls.From.Bare()))
	case message.VoiceRequest:
		r.display.Notice(cls.Room, "a participant requests voice; approve from the room menu")
	case message.Classified:
		r.route(ctx, cls.Envelope)
	}
}

func (r *Router) handleError(rep message.ErrorReport) {
	text := rep.Text
	if text == "" {
		text = rep.Type
	}
	if text == "" {
		text = "message could not be delivered"
	}
	r.display.Notice(rep.From.Bare(), fmt.Sprintf("error from %s: %s", rep.From.String(), text))
}

func (r *Router) handleChatState(ev message.ChatStateEvent) {
	conv, ok := r.registry.Get(ev.From)
	if !ok {
		return
	}
	conv.SetChatState(ev.State, r.clock())
	if ev.State == wire.StateComposing {
		r.display.Notice(conv.Peer(), fmt.Sprintf("%s is typing", ev.From.String()))
	}
}

func (r *Router) handleInvite(inv message.Invite) {
	text := fmt.Sprintf("%s invites you to %s", inv.Inviter.String(), inv.Room.String())
	if inv.Reason != "" {
		text += ": " + inv.Reason
	}
	if inv.Password != "" {
		text += " (password required)"
	}
	r.display.Notice(inv.Room, text)
	r.notifier.Notify(inv.Room, true, false)
}

func (r *Router) handleReceipt(ack message.ReceiptAck) {
	handle, ok := r.receipts[ack.ID]
	if !ok {
		r.log.WithField("id", ack.ID).Debug("receipt for unknown message id")
		return
	}
	delete(r.receipts, ack.ID)
	r.display.MarkReceived(handle)
}

// route carries one displayable envelope through decryption, hooks,
// correction, persistence, display and notification.
func (r *Router) route(ctx context.Context, env *message.Envelope) {
	// Messages we authored land keyed under the other side: carbons of our
	// sends and archive pages of our own history both arrive from our bare
	// address.
	selfAuthored := env.From.Bare().Equal(r.self.Bare())
	peer := env.Peer()
	if selfAuthored && env.Kind != message.KindGroupChat {
		peer = env.To.Bare()
	}

	// A replayed copy of a message this instance already displayed at send
	// time is dropped outright; the HMAC tag on the id is the authorship
	// proof.
	if env.History || env.Carbon || env.Kind == message.KindGroupChat {
		if r.echo.IsOurs(env, false) || r.echo.IsOurs(env, true) {
			r.log.WithField("id", env.ID).Debug("dropping echo of own message")
			return
		}
	}

	room := env.Kind == message.KindGroupChat
	conv, created := r.registry.Ensure(peer, room)

	if created && !room && !env.History && r.prefs.HistoryRetrieval {
		r.requestHistory(ctx, conv)
	}
	if env.History {
		r.resolveLoading(peer)
	}

	if err := r.enc.Receive(ctx, conv, env); err != nil {
		var conflict *PolicyConflictError
		switch {
		case errors.Is(err, errDropped):
		case errors.Is(err, ErrSessionEnded):
			r.display.Notice(peer, "encryption session ended by the other side")
		case errors.As(err, &conflict):
			r.log.WithFields(logrus.Fields{
				"peer":     peer.String(),
				"active":   conflict.Active.String(),
				"incoming": conflict.Incoming.String(),
			}).Warn("encryption policy conflict")
			r.display.Notice(peer, conflict.Error())
		default:
			r.log.WithError(err).WithField("peer", peer.String()).Warn("inbound decryption failed")
		}
		return
	}

	if r.prefs.OMEMOAutoStart && !env.History && !env.Carbon &&
		env.Encryption == message.EncryptionOMEMO && conv.Mode() == conversation.ModeNone {
		if err := conv.BeginMode(conversation.ModeOMEMO); err == nil {
			r.log.WithField("peer", peer.String()).Info("OMEMO session started by incoming message")
		}
	}

	if !r.hooks.runPreDisplay(env) {
		r.log.WithField("peer", peer.String()).Debug("message vetoed by hook")
		return
	}

	outgoing := env.CarbonSent || (selfAuthored && !room)

	if env.ReplaceID != "" {
		if r.applyCorrection(conv, env, outgoing) {
			return
		}
	}

	// Archive replays of messages already in the log are not shown twice.
	if env.StanzaID != "" && env.History && r.chatlog.Seen(env.StanzaID) {
		r.log.WithField("stanza-id", env.StanzaID).Debug("archive replay already logged")
		return
	}

	r.persist(env, peer, outgoing)

	var handle int64
	if outgoing {
		handle = r.display.AppendOutgoing(peer, env.ID, env.Plaintext, env.Encryption)
		conv.Corrections().Track(r.correlationID(env), handle, r.self, env.Plaintext)
	} else {
		handle = r.display.Append(peer, env)
		conv.Corrections().Track(r.correlationID(env), handle, env.From, env.Plaintext)
	}

	if env.WantsReceipt && !env.History && !env.Carbon && env.Kind == message.KindChat {
		r.sendReceipt(ctx, env)
	}

	if !outgoing && !env.History {
		mention := true
		if room {
			nick := r.roster.RoomNick(peer)
			mention = nick != "" && strings.Contains(env.Plaintext, nick)
		}
		r.notifier.Notify(peer, mention, r.isCurrent(peer))
		if !r.isCurrent(peer) {
			if err := r.chatlog.IncrementUnread(peer); err != nil {
				r.log.WithError(err).Warn("failed to bump unread counter")
			}
		}
	}
}

// applyCorrection resolves an inbound correction. Returns true when routing
// should stop, either because the correction was applied in place or because
// it was rejected.
func (r *Router) applyCorrection(conv *conversation.Conversation, env *message.Envelope, outgoing bool) bool {
	author := env.From
	if outgoing {
		author = r.self
	}
	handle, err := conv.Corrections().Apply(env.ReplaceID, author, env.Plaintext)
	switch {
	case err == nil:
		r.display.Correct(handle, env.Plaintext)
		// Index the correcting id onto the same line, so a chained correction
		// referencing it still collapses onto the original entry.
		conv.Corrections().Track(r.correlationID(env), handle, author, env.Plaintext)
		r.persist(env, conv.Peer(), outgoing)
		return true
	case errors.Is(err, conversation.ErrIllicitCorrection):
		r.log.WithFields(logrus.Fields{
			"peer":    conv.Peer().String(),
			"replace": env.ReplaceID,
			"author":  author.String(),
		}).Warn("rejecting correction from non-author")
		r.display.Notice(conv.Peer(), fmt.Sprintf("%s tried to correct a message they did not send", author.String()))
		return true
	default:
		// The referenced message predates this session; show the correction
		// as a regular message rather than losing it.
		return false
	}
}

func (r *Router) persist(env *message.Envelope, peer jid.JID, outgoing bool) {
	var err error
	if outgoing {
		err = r.chatlog.LogOutgoing(peer, env.ID, env.Plaintext, env.ReplaceID, env.Encryption)
	} else {
		err = r.chatlog.LogIncoming(env)
	}
	if err != nil {
		r.log.WithError(err).WithField("peer", peer.String()).Warn("failed to log message")
	}
}

func (r *Router) sendReceipt(ctx context.Context, env *message.Envelope) {
	msg := &wire.Message{}
	msg.ID = wire.GenerateID()
	msg.To = env.From
	msg.Type = stanza.ChatMessage
	msg.Extensions = append(msg.Extensions, wire.ReceiptReceivedExt(env.ID))
	if err := r.transport.SendMessage(ctx, msg); err != nil {
		r.log.WithError(err).Debug("failed to send delivery receipt")
	}
}

// Send transmits text to peer through the active encryption layer and records
// it everywhere an inbound message would be recorded.
func (r *Router) Send(ctx context.Context, peer jid.JID, text string) error {
	if !r.hooks.runPreSend(peer, &text) {
		r.log.WithField("peer", peer.String()).Debug("outgoing message vetoed by hook")
		return nil
	}

	conv, _ := r.registry.Ensure(peer, r.roster.IsRoomActive(peer.Bare()))
	info, err := r.enc.Send(ctx, conv, text, r.prefs.RequestReceipts, "")
	if err != nil {
		return err
	}

	handle := r.display.AppendOutgoing(conv.Peer(), info.ID, text, info.Encryption)
	conv.Corrections().Track(info.ID, handle, r.self, text)
	if r.prefs.RequestReceipts && !conv.IsRoom() {
		r.receipts[info.ID] = handle
	}
	// The content message itself announces activity; no standalone state goes
	// out, but the machine resets so decay timers restart.
	r.tracker(conv.Peer()).NoteSent()
	if err := r.chatlog.LogOutgoing(conv.Peer(), info.ID, text, "", info.Encryption); err != nil {
		r.log.WithError(err).Warn("failed to log outgoing message")
	}
	return nil
}

// ErrNothingToCorrect is returned when no message was sent in the
// conversation this session.
var ErrNothingToCorrect = errors.New("no sent message to correct")

// Correct replaces the last message sent to peer in this session.
func (r *Router) Correct(ctx context.Context, peer jid.JID, newText string) error {
	conv, ok := r.registry.Get(peer)
	if !ok {
		return ErrNothingToCorrect
	}
	lastID, _ := conv.LastSent()
	if lastID == "" {
		return ErrNothingToCorrect
	}

	if !r.hooks.runPreSend(peer, &newText) {
		return nil
	}

	info, err := r.enc.Send(ctx, conv, newText, false, lastID)
	if err != nil {
		return err
	}
	if handle, err := conv.Corrections().Apply(lastID, r.self, newText); err == nil {
		r.display.Correct(handle, newText)
		// The next correction will reference this send's id; alias it onto the
		// same display entry so the chain keeps resolving.
		conv.Corrections().Track(info.ID, handle, r.self, newText)
	}
	if err := r.chatlog.LogOutgoing(conv.Peer(), info.ID, newText, lastID, info.Encryption); err != nil {
		r.log.WithError(err).Warn("failed to log correction")
	}
	return nil
}

// Conversation returns (creating if needed) the conversation for peer.
func (r *Router) Conversation(peer jid.JID) (*conversation.Conversation, bool) {
	conv, created := r.registry.Ensure(peer, r.roster.IsRoomActive(peer.Bare()))
	return conv, created
}

// StartEncryption activates an encryption layer on the conversation.
func (r *Router) StartEncryption(ctx context.Context, conv *conversation.Conversation, mode conversation.Mode) error {
	return r.enc.Start(ctx, conv, mode)
}

// EndEncryption deactivates the active encryption layer.
func (r *Router) EndEncryption(ctx context.Context, conv *conversation.Conversation) error {
	return r.enc.End(ctx, conv)
}

// SendChatState sends a standalone typing notification to peer.
func (r *Router) SendChatState(ctx context.Context, peer jid.JID, state wire.ChatState) error {
	msg := &wire.Message{}
	msg.ID = wire.GenerateID()
	msg.To = peer.Bare()
	msg.Type = stanza.ChatMessage
	msg.Extensions = append(msg.Extensions, wire.ChatStateExt(state))
	return r.transport.SendMessage(ctx, msg)
}

// tracker returns the outgoing chat-state machine for peer, creating it on
// first use.
func (r *Router) tracker(peer jid.JID) *conversation.StateTracker {
	key := peer.Bare().String()
	t, ok := r.typing[key]
	if !ok {
		t = conversation.NewStateTracker(func() time.Time { return r.clock() })
		r.typing[key] = t
	}
	return t
}

// NoteTyping records input activity in peer's conversation and broadcasts the
// composing state when it changes.
func (r *Router) NoteTyping(ctx context.Context, peer jid.JID) {
	state := r.tracker(peer).NoteTyping()
	if state == "" {
		return
	}
	if err := r.SendChatState(ctx, peer, state); err != nil {
		r.log.WithError(err).Debug("failed to send chat state")
	}
}

// TickChatStates applies time-driven chat-state decay across conversations
// and broadcasts every transition. Called periodically while connected.
func (r *Router) TickChatStates(ctx context.Context) {
	for key, tracker := range r.typing {
		state := tracker.Tick()
		if state == "" {
			continue
		}
		peer, err := jid.Parse(key)
		if err != nil {
			continue
		}
		if err := r.SendChatState(ctx, peer, state); err != nil {
			r.log.WithError(err).Debug("failed to send chat state")
		}
	}
}

// Reconnect re-anchors state after the session was re-established: encryption
// flags are wiped because no session survives a stream restart, and archive
// requests that never completed are re-issued.
func (r *Router) Reconnect(ctx context.Context) {
	for _, conv := range r.registry.All() {
		if conv.Mode() != conversation.ModeNone {
			r.log.WithFields(logrus.Fields{
				"peer": conv.Peer().String(),
				"mode": conv.Mode().String(),
			}).Info("ending encryption session after reconnect")
			conv.EndMode()
		}
	}
	for key := range r.loading {
		peer, err := jid.Parse(key)
		if err != nil {
			continue
		}
		conv, ok := r.registry.Get(peer)
		if !ok {
			continue
		}
		after := r.chatlog.ArchiveCursor(conv.Peer())
		if err := r.transport.RequestArchive(ctx, conv.Peer(), after); err != nil {
			r.log.WithError(err).Warn("failed to re-request archive page")
		}
	}
}

func (r *Router) requestHistory(ctx context.Context, conv *conversation.Conversation) {
	peer := conv.Peer()
	after := r.chatlog.ArchiveCursor(peer)
	if err := r.transport.RequestArchive(ctx, peer, after); err != nil {
		// History is best effort; the conversation works without it.
		r.log.WithError(err).WithField("peer", peer.String()).Warn("archive request failed")
		return
	}
	r.loading[peer.String()] = r.display.ShowLoading(peer)
}

func (r *Router) resolveLoading(peer jid.JID) {
	key := peer.Bare().String()
	handle, ok := r.loading[key]
	if !ok {
		return
	}
	delete(r.loading, key)
	r.display.ResolveLoading(handle)
}

// correlationID picks the id corrections will reference: origin-id when
// present, the protocol id otherwise.
func (r *Router) correlationID(env *message.Envelope) string {
	if env.OriginID != "" {
		return env.OriginID
	}
	return env.ID
}

func (r *Router) isCurrent(peer jid.JID) bool {
	return r.current != "" && r.current == peer.Bare().String()
}

