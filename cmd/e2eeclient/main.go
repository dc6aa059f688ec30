// Command e2eeclient is a reference driver for the coordinator: it
// provisions or restores a local identity, keeps its one-time prekey pool
// topped up, and sends or polls encrypted messages against an e2eeserver.
//
// Usage:
//
//	e2eeclient -server http://localhost:8443 -token $JWT -user alice -db alice.db init
//	e2eeclient -server http://localhost:8443 -token $JWT -user alice -db alice.db send bob "hello"
//	e2eeclient -server http://localhost:8443 -token $JWT -user alice -db alice.db poll
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/efsecnet/efsec/internal/coordinator"
	e2eerrors "github.com/efsecnet/efsec/internal/errors"
	"github.com/efsecnet/efsec/internal/identity"
	"github.com/efsecnet/efsec/internal/keystore"
	"github.com/efsecnet/efsec/internal/transport"
)

func main() {
	server := flag.String("server", "http://localhost:8443", "e2ee server base URL")
	token := flag.String("token", "", "bearer token identifying this device")
	userID := flag.String("user", "", "local account user id")
	dbPath := flag.String("db", "client.db", "path to the local keystore file")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 || *userID == "" || *token == "" {
		fmt.Fprintln(os.Stderr, "usage: e2eeclient -user <id> -token <jwt> [-server url] [-db path] <init|send <peer> <msg>|poll>")
		os.Exit(2)
	}

	store, err := keystore.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open keystore: %v", err)
	}
	defer store.Close()

	account, err := identity.LoadAccount(store)
	if e2eerrors.Is(err, e2eerrors.UnknownSession) {
		account, err = identity.NewAccount(*userID, store)
	}
	if err != nil {
		log.Fatalf("failed to load or provision account: %v", err)
	}

	httpClient := transport.NewHTTPClient(*server, *token)
	cc := coordinator.New(account, store, httpClient, httpClient, httpClient)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "init":
		if err := cc.Init(ctx); err != nil {
			log.Fatalf("init failed: %v", err)
		}
		log.Printf("account %s provisioned and bundle uploaded", account.UserID)

	case "send":
		if len(args) < 3 {
			log.Fatal("usage: send <peer> <message>")
		}
		if err := cc.MaintainOneTimeKeys(ctx); err != nil {
			log.Printf("warning: failed to check one-time prekey pool: %v", err)
		}
		if err := cc.SendDM(ctx, args[1], []byte(args[2])); err != nil {
			log.Fatalf("send failed: %v", err)
		}
		log.Printf("sent message to %s", args[1])

	case "poll":
		msgs, err := cc.PollInbox(ctx)
		if err != nil {
			log.Fatalf("poll failed: %v", err)
		}
		for _, m := range msgs {
			fmt.Printf("%s: %s\n", m.Sender, string(m.Plaintext))
		}

	default:
		log.Fatalf("unknown command %q", args[0])
	}
}
