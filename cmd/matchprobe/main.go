package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/park285/chess-match-server/internal/msgcat"
	"github.com/park285/chess-match-server/internal/opsapi"
	"github.com/park285/chess-match-server/internal/protocol"
	"github.com/park285/chess-match-server/internal/wsclient"
	"github.com/park285/chess-match-server/pkg/matchdto"
)

// matchprobe dials the session endpoint as one participant, requests
// pairing, plays the moves in PROBE_MOVES on its turns and prints every
// server message.
func main() {
	wsURL := os.Getenv("PROBE_WS_URL")
	opsURL := os.Getenv("PROBE_OPS_URL")
	userID := strings.TrimSpace(os.Getenv("PROBE_USER_ID"))
	token := strings.TrimSpace(os.Getenv("PROBE_TOKEN"))
	moves := splitMoves(os.Getenv("PROBE_MOVES"))
	wait := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("PROBE_WAIT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("PROBE_WAIT: %v", err)
		}
		wait = d
	}

	if wsURL == "" {
		log.Fatal("PROBE_WS_URL is required")
	}
	if userID == "" && token == "" {
		log.Fatal("PROBE_USER_ID or PROBE_TOKEN is required")
	}

	catalog, err := msgcat.New("")
	if err != nil {
		log.Fatalf("messages: %v", err)
	}

	if opsURL != "" {
		ops := opsapi.NewClient(opsURL, opsapi.WithTimeout(5*time.Second))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		h, err := ops.Health(ctx)
		cancel()
		if h != nil {
			log.Printf("/healthz %s live=%d checks=%v", h.Status, h.Live, h.Checks)
		} else {
			log.Printf("/healthz error: %v", err)
		}
	}

	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	client := wsclient.New(wsclient.Options{
		URL:                  withUser(wsURL, userID),
		Header:               hdr,
		MaxReconnectAttempts: 5,
		Rejoin:               true,
	})
	client.OnStateChange(func(state wsclient.State) {
		log.Printf("WS state: %s", state)
	})

	p := &probe{client: client, moves: moves, user: userID, done: make(chan string, 1)}
	client.OnMessage(func(f *protocol.Envelope) {
		fmt.Printf("<- %s %s\n", f.Type, f.Payload)
		p.handle(f, catalog)
	})

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := client.Connect(cctx); err != nil {
		log.Fatalf("WS connect error: %v", err)
	}
	if err := client.RequestPairing(context.Background()); err != nil {
		log.Fatalf("request pairing: %v", err)
	}

	var ended string
	select {
	case ended = <-p.done:
	case <-time.After(wait):
		log.Printf("no result within %s", wait)
	}
	_ = client.Close(context.Background())

	if ended != "" && opsURL != "" {
		ops := opsapi.NewClient(opsURL)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rec, err := ops.Match(ctx, ended)
		if err != nil {
			log.Printf("/v1/matches/%s error: %v", ended, err)
			return
		}
		log.Printf("durable record: status=%s result=%s moves=%d", rec.Status, rec.Result, rec.MoveCount)
	}
}

type probe struct {
	client *wsclient.Client
	user   string

	mu    sync.Mutex
	moves []string
	side  string
	done  chan string
}

func (p *probe) handle(f *protocol.Envelope, catalog *msgcat.Catalog) {
	switch f.Type {
	case protocol.KindMatchStarted:
		var ms matchdto.MatchStarted
		if json.Unmarshal(f.Payload, &ms) != nil {
			return
		}
		p.mu.Lock()
		switch p.user {
		case "":
		case ms.White.ID:
			p.side = "white"
		default:
			p.side = "black"
		}
		p.mu.Unlock()
		p.play(ms.MatchID, "white")
	case protocol.KindMoveApplied:
		var mv matchdto.MoveApplied
		if json.Unmarshal(f.Payload, &mv) == nil {
			p.play(mv.MatchID, mv.Turn)
		}
	case protocol.KindMatchEnded, protocol.KindMatchAlreadyEnded:
		var me matchdto.MatchEnded
		if json.Unmarshal(f.Payload, &me) != nil {
			return
		}
		if line, err := catalog.Render("match.ended", me); err == nil {
			log.Printf("match %s: %s", me.MatchID, line)
		}
		select {
		case p.done <- me.MatchID:
		default:
		}
	}
}

func (p *probe) play(matchID, turn string) {
	p.mu.Lock()
	if p.side != turn || len(p.moves) == 0 {
		p.mu.Unlock()
		return
	}
	next := p.moves[0]
	p.moves = p.moves[1:]
	p.mu.Unlock()

	promo := ""
	if len(next) == 5 {
		promo = next[4:]
	}
	fmt.Printf("-> move %s\n", next)
	if err := p.client.Move(context.Background(), matchID, next[:2], next[2:4], promo); err != nil {
		log.Printf("move %s: %v", next, err)
	}
}

func splitMoves(v string) []string {
	var out []string
	for _, m := range strings.Split(v, ",") {
		m = strings.ToLower(strings.TrimSpace(m))
		if len(m) == 4 || len(m) == 5 {
			out = append(out, m)
		}
	}
	return out
}

func withUser(raw, userID string) string {
	if userID == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()
	return u.String()
}
