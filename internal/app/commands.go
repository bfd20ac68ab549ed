package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/palaver/internal/conversation"
)

// commandLoop reads user input from stdin. A leading slash marks a command;
// anything else is sent to the current conversation.
func (a *App) commandLoop(ctx context.Context) {
	var current jid.JID
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			if current.Equal(jid.JID{}) {
				a.display.Notice(current, "no conversation selected, use /msg <jid>")
				continue
			}
			// Line input gives no keystroke events, so composing is signaled
			// at submit time, right before the message itself.
			a.router.NoteTyping(ctx, current)
			if err := a.router.Send(ctx, current, line); err != nil {
				a.display.Notice(current, "send failed: "+err.Error())
			}
			continue
		}

		cmd := strings.SplitN(line[1:], " ", 3)
		switch cmd[0] {
		case "msg":
			if len(cmd) < 2 {
				a.display.Notice(current, "usage: /msg <jid> [text]")
				continue
			}
			peer, err := jid.Parse(cmd[1])
			if err != nil {
				a.display.Notice(current, "bad address: "+err.Error())
				continue
			}
			current = peer.Bare()
			a.router.SetCurrent(current)
			if len(cmd) == 3 {
				if err := a.router.Send(ctx, current, cmd[2]); err != nil {
					a.display.Notice(current, "send failed: "+err.Error())
				}
			}
		case "correct":
			if current.Equal(jid.JID{}) || len(cmd) < 2 {
				a.display.Notice(current, "usage: /correct <new text>")
				continue
			}
			newText := strings.TrimPrefix(line, "/correct ")
			if err := a.router.Correct(ctx, current, newText); err != nil {
				a.display.Notice(current, "correction failed: "+err.Error())
			}
		case "otr", "pgp", "ox", "omemo":
			a.encryptionCommand(ctx, current, cmd)
		case "quit":
			a.sess.Close()
			return
		default:
			a.display.Notice(current, "unknown command: /"+cmd[0])
		}
	}
}

func (a *App) encryptionCommand(ctx context.Context, current jid.JID, cmd []string) {
	if current.Equal(jid.JID{}) {
		a.display.Notice(current, "no conversation selected")
		return
	}
	action := "start"
	if len(cmd) > 1 {
		action = cmd[1]
	}

	conv, _ := a.router.Conversation(current)
	if conv == nil {
		a.display.Notice(current, "no such conversation")
		return
	}

	switch action {
	case "start":
		mode := modeFor(cmd[0])
		if err := a.router.StartEncryption(ctx, conv, mode); err != nil {
			a.display.Notice(current, fmt.Sprintf("cannot start %s: %v", cmd[0], err))
			return
		}
		a.display.Notice(current, cmd[0]+" session active")
	case "end":
		if err := a.router.EndEncryption(ctx, conv); err != nil {
			a.display.Notice(current, "cannot end session: "+err.Error())
			return
		}
		a.display.Notice(current, "encryption ended")
	default:
		a.display.Notice(current, "usage: /"+cmd[0]+" [start|end]")
	}
}

func modeFor(name string) conversation.Mode {
	switch name {
	case "otr":
		return conversation.ModeOTR
	case "pgp":
		return conversation.ModePGP
	case "ox":
		return conversation.ModeOX
	default:
		return conversation.ModeOMEMO
	}
}
