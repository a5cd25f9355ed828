// Package app wires the packages into the two runnable modes: the relay
// server and the interactive client.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/parley-im/parley/internal/api"
	"github.com/parley-im/parley/internal/auth"
	"github.com/parley-im/parley/internal/call"
	"github.com/parley-im/parley/internal/client"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/ratelimit"
	"github.com/parley-im/parley/internal/relay"
	"github.com/parley-im/parley/internal/store"
	"github.com/parley-im/parley/internal/util"
)

// Options carries the resolved run directory and its config.
type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// RunServer starts the relay server and blocks until ctx is cancelled.
func RunServer(ctx context.Context, opts Options) error {
	cfg := opts.Cfg
	if cfg.Server.TokenSecret == "" {
		return errors.New("server.token_secret must be set in " + opts.CfgPath)
	}

	db, err := store.Open(util.ResolvePath(opts.Dir, cfg.Server.DBPath))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()
	log.Printf("APP: store ready at %s", db.Path())

	authSvc := auth.New(cfg.Server.TokenSecret, time.Duration(cfg.Server.TokenTTLHours)*time.Hour)
	limiter := ratelimit.New()
	go limiter.RunSweeper(ctx, time.Minute)

	rl := relay.New(relay.NewRegistry(), authSvc)
	srv := api.New(authSvc, db, limiter, rl, cfg.Server.FeedbackURL)

	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: util.DefaultRequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("APP: listening on http://%s", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("APP: shutdown: %v", err)
	}
	log.Printf("APP: server stopped")
	return nil
}

// RunClient logs in, connects the signaling link, wires the call manager
// and hands control to the interactive prompt until ctx is cancelled.
func RunClient(ctx context.Context, opts Options) error {
	cfg := opts.Cfg
	if cfg.Client.Username == "" || cfg.Client.Password == "" {
		return errors.New("client.username and client.password must be set in " + opts.CfgPath)
	}

	rest := client.NewREST(cfg.Client.ServerURL)
	user, err := rest.Login(ctx, cfg.Client.Username, cfg.Client.Password)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	log.Printf("APP: logged in as %s (%s)", user.Label(), user.ID)

	ws, err := client.Dial(ctx, cfg.Client.ServerURL, rest.Token())
	if err != nil {
		return fmt.Errorf("connecting signaling: %w", err)
	}
	defer ws.Close()

	if users, err := rest.Users(ctx); err != nil {
		log.Printf("APP: loading roster: %v", err)
	} else {
		ws.SetRoster(users)
	}

	mgr := call.NewManager(call.Options{
		Signaler:          ws,
		NewPeerConnection: call.NewPeerConnectionFactory(cfg.Call.ICEServers),
		Media:             call.NewMediaDevice(),
		ResolveName:       ws.ResolveName,
		Timeouts: call.Timeouts{
			Availability: time.Duration(cfg.Call.AvailabilityTimeoutSec) * time.Second,
			Offer:        time.Duration(cfg.Call.OfferTimeoutSec) * time.Second,
		},
		OnEvent: func(ev call.Event) {
			if ev.UserMessage != "" {
				fmt.Printf("** %s\n", ev.UserMessage)
			}
			log.Printf("APP: call state %s", ev.State)
		},
	})
	defer mgr.Close()
	mgr.OnIncoming(func(inc *call.IncomingCall) {
		fmt.Printf("** incoming call from %s — type 'answer' or 'reject'\n", inc.CallerName)
	})

	p := &prompt{
		self: user,
		rest: rest,
		ws:   ws,
		mgr:  mgr,
	}
	return p.run(ctx)
}
