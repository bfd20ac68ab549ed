// Package app assembles one running client: configuration, storage, the
// crypto backends, the XMPP session and the message router.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meszmate/palaver/internal/config"
	"github.com/meszmate/palaver/internal/conversation"
	"github.com/meszmate/palaver/internal/crypto/omemo"
	"github.com/meszmate/palaver/internal/crypto/otr"
	"github.com/meszmate/palaver/internal/crypto/ox"
	"github.com/meszmate/palaver/internal/crypto/pgp"
	"github.com/meszmate/palaver/internal/logging"
	"github.com/meszmate/palaver/internal/message"
	"github.com/meszmate/palaver/internal/router"
	"github.com/meszmate/palaver/internal/session"
	"github.com/meszmate/palaver/internal/storage/sqlite"
	"github.com/meszmate/palaver/internal/wire"
)

// App is one configured account's running client.
type App struct {
	cfg     *config.Config
	account config.Account
	log     *logrus.Entry

	db      *sqlite.DB
	sess    *session.Session
	router  *router.Router
	display *ConsoleDisplay

	otrMgr   *otr.Manager
	pgpMgr   *pgp.Manager
	oxMgr    *ox.Manager
	omemoMgr *omemo.Manager
}

// New prepares everything that does not need the network: storage and key
// material. The session is dialed in Run.
func New(cfg *config.Config, account config.Account) (*App, error) {
	log := logging.ForComponent("app")

	db, err := sqlite.New(cfg.General.DataDir, account.JID, cfg.Storage.PrivacyLogging)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a := &App{
		cfg:     cfg,
		account: account,
		log:     log,
		db:      db,
	}
	if err := a.initCrypto(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) initCrypto() error {
	enc := &a.cfg.Encryption

	if enc.HasBackend("otr") {
		mgr, err := otr.NewManager(otr.ParsePolicy(enc.OTRPolicy))
		if err != nil {
			return fmt.Errorf("initializing OTR: %w", err)
		}
		if enc.OTRKeyFile != "" {
			if raw, err := os.ReadFile(enc.OTRKeyFile); err == nil {
				if err := mgr.LoadKey(raw); err != nil {
					a.log.WithError(err).Warn("stored OTR key unreadable, generated a new one")
				}
			}
		}
		a.otrMgr = mgr
	}

	if enc.HasBackend("pgp") && enc.PGPKeyringFile != "" {
		mgr := pgp.NewManager()
		f, err := os.Open(enc.PGPKeyringFile)
		if err != nil {
			a.log.WithError(err).Warn("PGP keyring unavailable, backend disabled")
		} else {
			err := mgr.LoadPrivateKey(f, enc.PGPKeyID)
			f.Close()
			if err != nil {
				a.log.WithError(err).Warn("PGP key load failed, backend disabled")
			} else {
				a.pgpMgr = mgr
			}
		}
	}

	if enc.HasBackend("ox") && enc.PGPKeyringFile != "" {
		mgr := ox.NewManager()
		if f, err := os.Open(enc.PGPKeyringFile); err == nil {
			err := mgr.LoadPrivateKey(f)
			f.Close()
			if err != nil {
				a.log.WithError(err).Warn("OX key load failed, backend disabled")
			} else {
				a.oxMgr = mgr
			}
		}
	}

	if enc.HasBackend("omemo") {
		mgr, err := omemo.NewManager(a.db, enc.OMEMOTOFU)
		if err != nil {
			return fmt.Errorf("initializing OMEMO: %w", err)
		}
		a.omemoMgr = mgr
	}

	return nil
}

// Run dials the account, assembles the router and serves until ctx is
// canceled or the stream ends.
func (a *App) Run(ctx context.Context) error {
	sess, err := session.Dial(ctx, a.account, logging.ForComponent("session"))
	if err != nil {
		return err
	}
	a.sess = sess
	defer sess.Close()

	echo, err := message.NewEchoFilter()
	if err != nil {
		return fmt.Errorf("initializing echo filter: %w", err)
	}

	self := sess.Self()
	a.display = NewConsoleDisplay(os.Stdout)

	var otrB router.OTRBackend
	if a.otrMgr != nil {
		otrB = a.otrMgr
	}
	var pgpB router.PGPBackend
	if a.pgpMgr != nil {
		pgpB = a.pgpMgr
	}
	var oxB router.OXBackend
	if a.oxMgr != nil {
		oxB = a.oxMgr
	}
	var omemoB router.OMEMOBackend
	if a.omemoMgr != nil {
		omemoB = a.omemoMgr
	}

	encRouter := router.NewEncryptionRouter(router.EncryptionConfig{
		Self: self,
		Caps: router.Capabilities{
			router.CapOTR:   a.otrMgr != nil,
			router.CapPGP:   a.pgpMgr != nil,
			router.CapOX:    a.oxMgr != nil,
			router.CapOMEMO: a.omemoMgr != nil,
		},
		OTR:       otrB,
		PGP:       pgpB,
		OX:        oxB,
		OMEMO:     omemoB,
		Transport: sess,
		Echo:      echo,
		Log:       logging.ForComponent("encryption"),
	})

	classifier := message.NewClassifier(self, sess, a.cfg.Messaging.SilenceStrangers, logging.ForComponent("classifier"))

	a.router = router.New(router.Config{
		Self:       self,
		Classifier: classifier,
		Registry:   conversation.NewRegistry(),
		Encryption: encRouter,
		Echo:       echo,
		Transport:  sess,
		ChatLog:    a.db,
		Display:    a.display,
		Roster:     sess,
		Notifier:   NewBellNotifier(os.Stdout, a.cfg.Messaging.Notifications),
		Prefs: router.Preferences{
			HistoryRetrieval: a.cfg.Messaging.HistoryRetrieval,
			OMEMOAutoStart:   a.cfg.Encryption.OMEMOAutoStart,
			RequestReceipts:  a.cfg.Messaging.RequestReceipts,
		},
		Log: logging.ForComponent("router"),
	})

	if err := sess.FetchRoster(ctx); err != nil {
		a.log.WithError(err).Warn("roster fetch failed, silence filter sees an empty roster")
	}
	if err := sess.Online(ctx); err != nil {
		return fmt.Errorf("sending initial presence: %w", err)
	}

	go a.commandLoop(ctx)
	go a.chatStateLoop(ctx)

	err = sess.Serve(func(msg *wire.Message) {
		a.router.HandleMessage(ctx, msg)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stream ended: %w", err)
	}
	return nil
}

// chatStateLoop decays our outgoing typing states while the session runs:
// composing left idle becomes paused, then inactive, then gone.
func (a *App) chatStateLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.router.TickChatStates(ctx)
		}
	}
}

// Close releases storage and persists key material that lives outside the
// database.
func (a *App) Close() error {
	if a.otrMgr != nil && a.cfg.Encryption.OTRKeyFile != "" {
		if raw := a.otrMgr.SerializeKey(); len(raw) > 0 {
			if err := os.WriteFile(a.cfg.Encryption.OTRKeyFile, raw, 0600); err != nil {
				a.log.WithError(err).Warn("failed to persist OTR key")
			}
		}
	}
	return a.db.Close()
}
