package app

import (
	"fmt"
	"io"
	"sync"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/palaver/internal/message"
)

// ConsoleDisplay renders conversations as plain lines on a writer. Handles
// index an in-memory line store so corrections and receipt marks can refer
// back to earlier output.
type ConsoleDisplay struct {
	mu     sync.Mutex
	w      io.Writer
	nextID int64
	lines  map[int64]string
}

// NewConsoleDisplay creates a display writing to w.
func NewConsoleDisplay(w io.Writer) *ConsoleDisplay {
	return &ConsoleDisplay{w: w, lines: make(map[int64]string)}
}

func (d *ConsoleDisplay) append(line string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.lines[d.nextID] = line
	fmt.Fprintln(d.w, line)
	return d.nextID
}

// Append shows one inbound message and returns its handle.
func (d *ConsoleDisplay) Append(peer jid.JID, env *message.Envelope) int64 {
	tag := ""
	if env.Encryption != message.EncryptionNone {
		tag = " [" + env.Encryption.String() + "]"
	}
	if !env.Trusted {
		tag += " [untrusted]"
	}
	when := env.Timestamp.Format("15:04")
	who := env.From.String()
	if env.Kind == message.KindGroupChat {
		who = env.From.Resourcepart()
	}
	return d.append(fmt.Sprintf("%s <%s>%s %s", when, who, tag, env.Plaintext))
}

// AppendOutgoing shows one of our own messages and returns its handle.
func (d *ConsoleDisplay) AppendOutgoing(peer jid.JID, id, text string, enc message.Encryption) int64 {
	tag := ""
	if enc != message.EncryptionNone {
		tag = " [" + enc.String() + "]"
	}
	when := time.Now().Format("15:04")
	return d.append(fmt.Sprintf("%s <me -> %s>%s %s", when, peer.String(), tag, text))
}

// Correct rewrites an earlier line in place.
func (d *ConsoleDisplay) Correct(handle int64, newText string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.lines[handle]; !ok {
		return
	}
	d.lines[handle] = newText
	fmt.Fprintf(d.w, "(edit) %s\n", newText)
}

// MarkReceived marks an earlier line as delivered.
func (d *ConsoleDisplay) MarkReceived(handle int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if line, ok := d.lines[handle]; ok {
		fmt.Fprintf(d.w, "(delivered) %s\n", line)
	}
}

// ShowLoading shows a history loading indicator and returns its handle.
func (d *ConsoleDisplay) ShowLoading(peer jid.JID) int64 {
	return d.append(fmt.Sprintf("-- loading history for %s --", peer.String()))
}

// ResolveLoading removes a loading indicator.
func (d *ConsoleDisplay) ResolveLoading(handle int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lines, handle)
}

// Notice shows an out-of-band line for a conversation.
func (d *ConsoleDisplay) Notice(peer jid.JID, text string) {
	d.append(fmt.Sprintf("-- %s: %s", peer.String(), text))
}

// BellNotifier rings the terminal bell for messages that warrant attention.
type BellNotifier struct {
	w       io.Writer
	enabled bool
}

// NewBellNotifier creates a notifier writing the bell to w.
func NewBellNotifier(w io.Writer, enabled bool) *BellNotifier {
	return &BellNotifier{w: w, enabled: enabled}
}

// Notify rings the bell unless the conversation is already on screen or the
// message does not mention us.
func (n *BellNotifier) Notify(peer jid.JID, mention, currentWindow bool) {
	if !n.enabled || currentWindow || !mention {
		return
	}
	fmt.Fprint(n.w, "\a")
}
