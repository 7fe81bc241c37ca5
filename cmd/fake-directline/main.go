// ABOUTME: Fake Direct Line endpoint for local end-to-end runs of coven-relay
// ABOUTME: Usage: fake-directline [-addr 127.0.0.1:3978] [-bot secret=id[:delay]] [-silent secret=id]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/directline/directlinetest"
)

// botFlags collects repeated -bot or -silent flags.
type botFlags []string

func (b *botFlags) String() string     { return strings.Join(*b, ",") }
func (b *botFlags) Set(v string) error { *b = append(*b, v); return nil }

type botSpec struct {
	secret string
	id     string
	delay  time.Duration
}

// parseBotSpec parses "secret=id" or "secret=id:delay".
func parseBotSpec(s string) (botSpec, error) {
	secret, rest, ok := strings.Cut(s, "=")
	if !ok || secret == "" || rest == "" {
		return botSpec{}, fmt.Errorf("bot %q: want secret=id[:delay]", s)
	}
	spec := botSpec{secret: secret, id: rest}
	if id, delay, ok := strings.Cut(rest, ":"); ok {
		d, err := time.ParseDuration(delay)
		if err != nil {
			return botSpec{}, fmt.Errorf("bot %q: %w", s, err)
		}
		spec.id, spec.delay = id, d
	}
	return spec, nil
}

func main() {
	addr := flag.String("addr", "127.0.0.1:3978", "listen address")
	prefix := flag.String("prefix", "echo: ", "reply prefix for echo bots")
	var echoBots, silentBots botFlags
	flag.Var(&echoBots, "bot", "echo bot as secret=id[:delay] (repeatable)")
	flag.Var(&silentBots, "silent", "bot that never replies, as secret=id (repeatable)")
	flag.Parse()

	if len(echoBots) == 0 && len(silentBots) == 0 {
		echoBots = botFlags{"dev-secret=echo-bot:500ms"}
	}

	if err := run(*addr, *prefix, echoBots, silentBots); err != nil {
		log.Fatal(err)
	}
}

func newServer(prefix string, echoBots, silentBots []string) (*directlinetest.Server, error) {
	server := directlinetest.New()
	for _, raw := range echoBots {
		spec, err := parseBotSpec(raw)
		if err != nil {
			return nil, err
		}
		server.AddBot(spec.secret, spec.id, directlinetest.Echo(prefix, spec.delay))
		log.Printf("echo bot %s (secret %s, delay %s)", spec.id, spec.secret, spec.delay)
	}
	for _, raw := range silentBots {
		spec, err := parseBotSpec(raw)
		if err != nil {
			return nil, err
		}
		server.AddBot(spec.secret, spec.id, directlinetest.Silent())
		log.Printf("silent bot %s (secret %s)", spec.id, spec.secret)
	}
	return server, nil
}

func run(addr, prefix string, echoBots, silentBots []string) error {
	server, err := newServer(prefix, echoBots, silentBots)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("fake Direct Line listening on http://%s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
