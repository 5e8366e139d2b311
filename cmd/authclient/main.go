package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/credstore"
	"github.com/jrsteele09/go-auth-client/internal/config"
	"github.com/jrsteele09/go-auth-client/session"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error running client: %s\n", err)
	}
	log.Printf("Client stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	identifier := os.Getenv("AUTH_IDENTIFIER")
	secret := os.Getenv("AUTH_SECRET")
	if identifier == "" || secret == "" {
		return errors.New("AUTH_IDENTIFIER and AUTH_SECRET must be set")
	}

	store, err := newStore(c)
	if err != nil {
		return fmt.Errorf("newStore: %w", err)
	}

	api := authapi.NewClient(c.GetBaseURL(), authapi.WithTimeout(c.GetRequestTimeout()))
	manager, err := session.New(api, store,
		session.WithMonitorInterval(c.GetMonitorInterval()),
		session.WithRefreshMargin(c.GetRefreshMargin()),
	)
	if err != nil {
		return fmt.Errorf("session.New: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.GetRequestTimeout())
	sess, err := manager.Login(ctx, identifier, secret)
	cancel()
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if sess.User != nil {
		log.Printf("Logged in as %s\n", sess.User.Email)
	}

	info := manager.TokenInfo()
	log.Printf("Access token valid for %ds\n", info.SecondsRemaining)

	manager.Start()
	waitForStopSignal()

	return shutdown(manager)
}

// newStore prefers the encrypted file store when a passphrase is configured;
// restarts then resume the previous session without another login.
func newStore(c config.Config) (credstore.Store, error) {
	if passphrase := c.GetStorePassphrase(); passphrase != "" {
		return credstore.NewFile(c.GetStorePath(), passphrase)
	}
	return credstore.NewMemory(), nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(manager *session.Manager) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.Logout(ctx); err != nil {
		return fmt.Errorf("manager.Logout: %w", err)
	}
	manager.Close()
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
