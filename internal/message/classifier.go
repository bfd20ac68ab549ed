package message

import (
	"time"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/palaver/internal/wire"
)

// Directory answers the membership questions the classifier needs: whether a
// room is currently joined and whether a peer is on the roster.
type Directory interface {
	IsRoomActive(room jid.JID) bool
	InRoster(peer jid.JID) bool
}

// Classification is the closed set of outcomes of classifying one stanza.
type Classification interface {
	classification()
}

// Ignore means the stanza produced nothing actionable. Reason goes to the
// debug log only.
type Ignore struct {
	Reason string
}

// ErrorReport is a type="error" bounce.
type ErrorReport struct {
	From jid.JID
	Type string
	Text string
}

// ChatStateEvent is a standalone typing notification.
type ChatStateEvent struct {
	From  jid.JID
	State wire.ChatState
}

// SubjectChange is a groupchat subject broadcast.
type SubjectChange struct {
	Room    jid.JID
	Nick    string
	Subject string
}

// RoomBroadcast is a bare-room announcement with no sender nick.
type RoomBroadcast struct {
	Room jid.JID
	Text string
}

// InviteKind distinguishes mediated (muc#user) from direct invitations.
type InviteKind int

const (
	InviteMediated InviteKind = iota
	InviteDirect
)

// Invite is a request to join a room.
type Invite struct {
	Kind     InviteKind
	Room     jid.JID
	Inviter  jid.JID
	Reason   string
	Password string
}

// ReceiptAck acknowledges delivery of a previously sent message.
type ReceiptAck struct {
	From jid.JID
	ID   string
}

// CallProposal is an incoming jingle-message call offer.
type CallProposal struct {
	From jid.JID
	ID   string
}

// VoiceRequest is a muc#request voice approval form.
type VoiceRequest struct {
	Room jid.JID
}

// Classified wraps an envelope that should continue down the pipeline.
type Classified struct {
	Envelope *Envelope
}

func (Ignore) classification()         {}
func (ErrorReport) classification()    {}
func (ChatStateEvent) classification() {}
func (SubjectChange) classification()  {}
func (RoomBroadcast) classification()  {}
func (Invite) classification()         {}
func (ReceiptAck) classification()     {}
func (CallProposal) classification()   {}
func (VoiceRequest) classification()   {}
func (Classified) classification()     {}

// Classifier turns raw message stanzas into classifications. It is stateless
// apart from its collaborators and safe to reuse across stanzas.
type Classifier struct {
	self             jid.JID
	dir              Directory
	silenceStrangers bool
	clock            func() time.Time
	log              *logrus.Entry
}

// NewClassifier builds a classifier for the local account self.
func NewClassifier(self jid.JID, dir Directory, silenceStrangers bool, log *logrus.Entry) *Classifier {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Classifier{
		self:             self,
		dir:              dir,
		silenceStrangers: silenceStrangers,
		clock:            time.Now,
		log:              log,
	}
}

// SetClock overrides the time source. Used by tests.
func (c *Classifier) SetClock(clock func() time.Time) {
	c.clock = clock
}

type classifyCtx struct {
	archived   bool
	carbon     bool
	carbonSent bool
	stamp      time.Time
}

// Classify inspects one message stanza. archived marks stanzas already known
// to be archive replays (e.g. from a history page fetch).
func (c *Classifier) Classify(msg *wire.Message, archived bool) Classification {
	return c.classify(msg, classifyCtx{archived: archived})
}

func (c *Classifier) classify(msg *wire.Message, ctx classifyCtx) Classification {
	switch msg.Type {
	case stanza.ErrorMessage:
		return c.classifyError(msg)
	case stanza.GroupChatMessage:
		return c.classifyGroupchat(msg, ctx)
	case stanza.HeadlineMessage:
		return c.classifyHeadline(msg)
	default:
		return c.classifyChat(msg, ctx)
	}
}

func (c *Classifier) classifyError(msg *wire.Message) Classification {
	rep := ErrorReport{From: msg.From}
	if msg.Error != nil {
		rep.Type = msg.Error.Type
		rep.Text = msg.Error.Text
	}
	if rep.Text == "" {
		rep.Text = msg.Body
	}
	return rep
}

func (c *Classifier) classifyGroupchat(msg *wire.Message, ctx classifyCtx) Classification {
	room := msg.From.Bare()
	nick := msg.From.Resourcepart()

	if msg.Subject != nil && msg.Body == "" {
		return SubjectChange{Room: room, Nick: nick, Subject: msg.Subject.Text}
	}
	if nick == "" {
		if msg.Body == "" {
			return Ignore{Reason: "empty room broadcast"}
		}
		return RoomBroadcast{Room: room, Text: msg.Body}
	}

	if !c.dir.IsRoomActive(room) {
		c.log.WithField("room", room.String()).Warn("groupchat message for room we have not joined, dropping")
		return Ignore{Reason: "room not joined"}
	}

	env := c.assemble(msg, ctx)
	env.Kind = KindGroupChat

	// Servers may attach several delay stamps to replayed room history; the
	// oldest one is the authoritative send time, and any stamp at all means
	// this is history rather than a live message.
	if delays := msg.Delays(); len(delays) > 0 {
		oldest := delays[0].Time
		for _, d := range delays[1:] {
			if d.Time.Before(oldest) {
				oldest = d.Time
			}
		}
		env.Timestamp = oldest
		env.History = true
	}

	if !env.Displayable() && env.Body == "" && !env.Encrypted() {
		return Ignore{Reason: "groupchat message with no content"}
	}
	return Classified{Envelope: env}
}

func (c *Classifier) classifyHeadline(msg *wire.Message) Classification {
	if msg.HasExtension(wire.NSPubSub) {
		return Ignore{Reason: "pubsub event headline"}
	}
	if msg.Body == "" {
		return Ignore{Reason: "empty headline"}
	}
	env := &Envelope{
		From:      msg.From,
		To:        msg.To,
		Kind:      KindHeadline,
		ID:        msg.ID,
		Body:      msg.Body,
		Timestamp: c.clock(),
		Trusted:   true,
	}
	return Classified{Envelope: env}
}

func (c *Classifier) classifyChat(msg *wire.Message, ctx classifyCtx) Classification {
	from := msg.From.Bare()

	// Silence filtering runs before the call-alert check. A stranger ringing
	// us is still a stranger.
	if c.silenceStrangers && !ctx.archived && !from.Equal(c.self.Bare()) &&
		!c.dir.InRoster(from) && !c.dir.IsRoomActive(from) {
		c.log.WithField("from", from.String()).Debug("silencing message from peer not in roster")
		return Ignore{Reason: "stranger silenced"}
	}

	if ext := msg.Extension(wire.NSJingleMsg, "propose"); ext != nil {
		return CallProposal{From: msg.From, ID: ext.Attr("id")}
	}

	if ext := msg.Extension(wire.NSData, "x"); ext != nil && msg.Body == "" {
		return VoiceRequest{Room: from}
	}

	if res, err := msg.MAMResult(); err != nil {
		c.log.WithError(err).Debug("dropping malformed archive result")
		return Ignore{Reason: "malformed archive result"}
	} else if res != nil {
		if res.Forwarded.Message == nil {
			return Ignore{Reason: "archive result without forwarded message"}
		}
		inner := classifyCtx{archived: true}
		if res.Forwarded.Delay != nil {
			inner.stamp = res.Forwarded.Delay.Time
		}
		cls := c.classify(res.Forwarded.Message, inner)
		if cl, ok := cls.(Classified); ok && cl.Envelope.StanzaID == "" {
			cl.Envelope.StanzaID = res.ID
		}
		return cls
	}

	if x, err := msg.MUCUser(); err == nil && x != nil && x.Invite != nil {
		return Invite{
			Kind:     InviteMediated,
			Room:     msg.From.Bare(),
			Inviter:  x.Invite.From,
			Reason:   x.Invite.Reason,
			Password: x.Password,
		}
	}
	if inv, err := msg.DirectInvite(); err == nil && inv != nil {
		return Invite{
			Kind:     InviteDirect,
			Room:     inv.Room,
			Inviter:  msg.From,
			Reason:   inv.Reason,
			Password: inv.Password,
		}
	}

	if msg.HasExtension(wire.NSCaptcha) {
		return RoomBroadcast{Room: from, Text: "room requires a CAPTCHA response"}
	}

	if id, ok := msg.ReceiptReceived(); ok && msg.Body == "" {
		return ReceiptAck{From: msg.From, ID: id}
	}

	if msg.HasExtension(wire.NSPubSub) {
		return Ignore{Reason: "pubsub event"}
	}

	if carbon, err := msg.Carbon(); err != nil {
		c.log.WithError(err).Debug("dropping malformed carbon")
		return Ignore{Reason: "malformed carbon"}
	} else if carbon != nil {
		// Carbons are only trustworthy when relayed by our own account.
		// Anything else is a spoof attempt.
		if !msg.From.Bare().Equal(c.self.Bare()) {
			c.log.WithFields(logrus.Fields{
				"from": msg.From.String(),
				"self": c.self.Bare().String(),
			}).Warn("carbon not from own bare address, ignoring")
			return Ignore{Reason: "spoofed carbon"}
		}
		if carbon.Forwarded.Message == nil {
			return Ignore{Reason: "carbon without forwarded message"}
		}
		inner := classifyCtx{carbon: true, carbonSent: carbon.Sent, archived: ctx.archived}
		if carbon.Forwarded.Delay != nil {
			inner.stamp = carbon.Forwarded.Delay.Time
		}
		return c.classify(carbon.Forwarded.Message, inner)
	}

	env := c.assemble(msg, ctx)
	if c.dir.IsRoomActive(from) {
		env.Kind = KindMucPrivate
	} else {
		env.Kind = KindChat
	}

	if env.Body == "" && !env.Encrypted() {
		if state, ok := msg.ChatState(); ok {
			return ChatStateEvent{From: msg.From, State: state}
		}
		c.log.WithField("from", msg.From.String()).Debug("dropping message with no content")
		return Ignore{Reason: "no content"}
	}
	return Classified{Envelope: env}
}

// assemble fills the envelope fields common to every displayable message.
// Decryption happens later; only the raw payload slots are populated here.
func (c *Classifier) assemble(msg *wire.Message, ctx classifyCtx) *Envelope {
	env := &Envelope{
		From:         msg.From,
		To:           msg.To,
		ID:           msg.ID,
		OriginID:     msg.OriginID(),
		StanzaID:     msg.StanzaID(),
		ReplaceID:    msg.ReplaceID(),
		Body:         msg.Body,
		Trusted:      true,
		History:      ctx.archived,
		Carbon:       ctx.carbon,
		CarbonSent:   ctx.carbonSent,
		WantsReceipt: msg.WantsReceipt(),
	}

	env.PGPCiphertext = msg.PGPCiphertext()
	env.OXCiphertext = msg.OXPayload()
	if enc, err := msg.OMEMOPayload(); err == nil {
		env.OMEMO = enc
	} else {
		c.log.WithError(err).Debug("ignoring malformed omemo envelope")
	}

	switch {
	case !ctx.stamp.IsZero():
		env.Timestamp = ctx.stamp
	default:
		if delays := msg.Delays(); len(delays) > 0 {
			env.Timestamp = delays[0].Time
		} else {
			env.Timestamp = c.clock()
		}
	}
	return env
}
