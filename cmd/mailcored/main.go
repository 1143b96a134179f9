// Command mailcored wires one configured account's connection engine
// and prints refresh events to the log, as a minimal demonstration of
// the backend facade. A full terminal UI is out of scope here (see
// DESIGN.md); this binary exists so the connection core can be
// exercised end to end outside of tests.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"meli.sh/backend"
	"meli.sh/imapconn"
	"meli.sh/mailcore"
)

func main() {
	log.SetFlags(0)

	flagHost := flag.String("host", "", "IMAP server hostname")
	flagPort := flag.Int("port", 993, "IMAP server port")
	flagUser := flag.String("user", "", "IMAP username")
	flagPass := flag.String("pass", "", "IMAP password")
	flagImplicitTLS := flag.Bool("implicit_tls", true, "use implicit TLS (port 993 style) instead of STARTTLS")
	flag.Parse()

	if *flagHost == "" || *flagUser == "" {
		log.Fatal("mailcored: -host and -user are required")
	}

	acct, err := backend.Open(backend.Config{
		Kind: backend.AccountIMAP,
		Name: *flagUser + "@" + *flagHost,
		IMAP: imapconn.ServerConf{
			Host:           *flagHost,
			Port:           *flagPort,
			Username:       *flagUser,
			Password:       *flagPass,
			ImplicitTLS:    *flagImplicitTLS,
			ConnectTimeout: 15 * time.Second,
			ReadTimeout:    60 * time.Second,
		},
	})
	if err != nil {
		log.Fatalf("mailcored: open account: %v", err)
	}
	defer acct.Close()

	if err := acct.Connect(); err != nil {
		log.Fatalf("mailcored: connect: %v", err)
	}
	log.Printf("mailcored: connected to %s as %s", *flagHost, *flagUser)

	const inbox = mailcore.MailboxHash(1)
	if err := acct.RegisterMailbox(inbox, "INBOX"); err != nil {
		log.Fatalf("mailcored: register mailbox: %v", err)
	}
	if _, err := acct.Connection().SelectMailbox(inbox, false); err != nil {
		log.Fatalf("mailcored: select INBOX: %v", err)
	}
	if err := acct.LoadThreadCache(inbox); err != nil {
		log.Printf("mailcored: load thread cache: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		cancel()
	}()

	idle, err := acct.Idle()
	if err != nil {
		log.Fatalf("mailcored: idle: %v", err)
	}
	defer idle.Done()

	log.Printf("mailcored: idling on INBOX, Ctrl-C to stop")
	for {
		reply, err := idle.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if mailcore.Is(err, mailcore.KindAuthentication) || mailcore.Is(err, mailcore.KindBug) {
				log.Fatalf("mailcored: idle failed permanently: %v", err)
			}
			log.Printf("mailcored: idle error: %v", err)
			continue
		}
		acct.Connection().ProcessUntagged(inbox, reply)
	}

	if err := acct.SaveThreadCache(inbox); err != nil {
		log.Printf("mailcored: save thread cache: %v", err)
	}
	log.Printf("mailcored: shutting down")
}
