// Package session owns the XMPP connection: dialing, stream negotiation, the
// serve loop that feeds inbound stanzas to the router, and the outbound
// transport the router sends through.
package session

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/roster"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/palaver/internal/config"
	"github.com/meszmate/palaver/internal/wire"
)

// Session wraps one negotiated client stream. It implements the router's
// Transport and Roster collaborators.
type Session struct {
	xs   *xmpp.Session
	self jid.JID
	log  *logrus.Entry

	mu       sync.RWMutex
	contacts map[string]bool
	rooms    map[string]string // bare room address -> our nick
}

// Dial connects and authenticates the account.
func Dial(ctx context.Context, account config.Account, log *logrus.Entry) (*Session, error) {
	addr, err := jid.Parse(account.JID)
	if err != nil {
		return nil, fmt.Errorf("parsing account address %q: %w", account.JID, err)
	}
	if account.Resource != "" {
		if full, err := addr.WithResource(account.Resource); err == nil {
			addr = full
		}
	}

	xs, err := xmpp.DialClientSession(ctx, addr,
		xmpp.BindResource(),
		xmpp.StartTLS(&tls.Config{ServerName: addr.Domain().String()}),
		xmpp.SASL("", account.Password, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
	)
	if err != nil {
		return nil, fmt.Errorf("establishing session for %s: %w", addr.Bare(), err)
	}

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		xs:       xs,
		self:     xs.LocalAddr(),
		log:      log,
		contacts: make(map[string]bool),
		rooms:    make(map[string]string),
	}, nil
}

// Self returns the bound address.
func (s *Session) Self() jid.JID { return s.self }

// Online announces availability.
func (s *Session) Online(ctx context.Context) error {
	return s.xs.Send(ctx, stanza.Presence{Type: stanza.AvailablePresence}.Wrap(nil))
}

// FetchRoster loads the contact list so the silence filter and classifier
// have membership answers.
func (s *Session) FetchRoster(ctx context.Context) error {
	iter := roster.Fetch(ctx, s.xs)
	defer iter.Close()
	for iter.Next() {
		item := iter.Item()
		s.mu.Lock()
		s.contacts[item.JID.Bare().String()] = true
		s.mu.Unlock()
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("fetching roster: %w", err)
	}
	return nil
}

// Serve decodes inbound message stanzas and hands them to handle. It blocks
// until the stream ends.
func (s *Session) Serve(handle func(*wire.Message)) error {
	return s.xs.Serve(xmpp.HandlerFunc(func(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
		if start.Name.Local != "message" {
			return nil
		}
		var msg wire.Message
		d := xml.NewTokenDecoder(t)
		if err := d.DecodeElement(&msg, start); err != nil && err != io.EOF {
			s.log.WithError(err).Debug("failed to decode message stanza")
			return nil
		}
		handle(&msg)
		return nil
	}))
}

// SendMessage transmits one message stanza.
func (s *Session) SendMessage(ctx context.Context, msg *wire.Message) error {
	return s.xs.Encode(ctx, msg)
}

// mamQuery is the XEP-0313 archive query payload.
type mamQuery struct {
	XMLName xml.Name `xml:"urn:xmpp:mam:2 query"`
	QueryID string   `xml:"queryid,attr"`
	Form    mamForm  `xml:"jabber:x:data x"`
	Set     *rsmSet  `xml:"http://jabber.org/protocol/rsm set,omitempty"`
}

type mamForm struct {
	Type   string     `xml:"type,attr"`
	Fields []mamField `xml:"field"`
}

type mamField struct {
	Var   string `xml:"var,attr"`
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:"value"`
}

type rsmSet struct {
	After string `xml:"after"`
}

type mamIQ struct {
	stanza.IQ
	Query mamQuery `xml:"urn:xmpp:mam:2 query"`
}

// RequestArchive asks the server for messages exchanged with peer, newer than
// the stable-id afterID. An empty afterID fetches the latest page.
func (s *Session) RequestArchive(ctx context.Context, peer jid.JID, afterID string) error {
	query := mamQuery{
		QueryID: wire.GenerateID(),
		Form: mamForm{
			Type: "submit",
			Fields: []mamField{
				{Var: "FORM_TYPE", Type: "hidden", Value: wire.NSMAM},
				{Var: "with", Value: peer.Bare().String()},
			},
		},
	}
	if afterID != "" {
		query.Set = &rsmSet{After: afterID}
	}
	iq := mamIQ{Query: query}
	iq.IQ.Type = stanza.SetIQ
	iq.IQ.ID = wire.GenerateID()
	return s.xs.Encode(ctx, iq)
}

// JoinedRoom records a room we joined and the nick we hold there.
func (s *Session) JoinedRoom(room jid.JID, nick string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.Bare().String()] = nick
}

// LeftRoom forgets a room.
func (s *Session) LeftRoom(room jid.JID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room.Bare().String())
}

// IsRoomActive reports whether room is currently joined.
func (s *Session) IsRoomActive(room jid.JID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room.Bare().String()]
	return ok
}

// InRoster reports whether peer is on the contact list.
func (s *Session) InRoster(peer jid.JID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contacts[peer.Bare().String()]
}

// RoomNick returns our nickname in a joined room, or "".
func (s *Session) RoomNick(room jid.JID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[room.Bare().String()]
}

// Close tears the stream down.
func (s *Session) Close() error {
	return s.xs.Close()
}
