package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"chat-engine/internal/config"
	"chat-engine/internal/guard"
	"chat-engine/internal/logger"
	"chat-engine/internal/message"
	"chat-engine/internal/server"
	"chat-engine/internal/storage"
	"chat-engine/internal/stream"
	"chat-engine/internal/turn"
)

func main() {
	var (
		configPath string
		httpMode   bool
		httpAddr   string
		replayPath string
		text       string
		convID     string
		autoAllow  bool
	)
	flag.StringVar(&configPath, "config", "config/engine.yaml", "yaml config path")
	flag.BoolVar(&httpMode, "http", false, "run HTTP server mode")
	flag.StringVar(&httpAddr, "http-addr", "", "http listen address")
	flag.StringVar(&replayPath, "replay", "", "jsonl event file used as the turn transport")
	flag.StringVar(&text, "text", "", "one-shot user message to run through the engine")
	flag.StringVar(&convID, "conversation", "", "existing conversation id")
	flag.BoolVar(&autoAllow, "approve", false, "auto-approve permission requests during replay")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if strings.TrimSpace(httpAddr) != "" {
		cfg.HTTPAddr = strings.TrimSpace(httpAddr)
	}
	if httpMode {
		cfg.EnableHTTP = true
	}

	logg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logg.Sync() }()

	store, err := storage.NewBoltStore(cfg.StoragePath)
	if err != nil {
		logg.Fatal(err)
	}
	defer store.Close()

	if strings.TrimSpace(replayPath) == "" {
		logg.Fatal("a transport is required: pass -replay <events.jsonl>")
	}
	transport := newReplayTransport(replayPath, cfg.EventBufferCap, logg)

	controller := turn.NewController(transport, store, logg.Named("turn"))
	controller.SetTurnTimeout(cfg.TurnTimeout)
	switchGuard := guard.New(controller, logg.Named("guard"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err = config.Watch(ctx, configPath, func(next config.Config) {
		controller.SetTurnTimeout(next.TurnTimeout)
		logg.Infow("config reloaded", "turn_timeout", next.TurnTimeout)
	}, func(err error) {
		logg.Warnw("config reload failed", "err", err)
	})
	if err != nil {
		logg.Warnw("config watcher unavailable", "err", err)
	}

	if cfg.EnableHTTP {
		srv := server.New(controller, switchGuard, logg.Named("http"))
		httpSrv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		logg.Infow("chat engine HTTP server listening", "addr", cfg.HTTPAddr)
		logg.Fatal(httpSrv.ListenAndServe())
		return
	}

	runReplay(controller, switchGuard, convID, text, autoAllow, logg)
}

func runReplay(controller *turn.Controller, switchGuard *guard.Guard, convID, text string, autoAllow bool, logg *logger.Logger) {
	ctx := context.Background()
	if strings.TrimSpace(convID) == "" {
		id, err := controller.CreateConversation(ctx)
		if err != nil {
			logg.Fatal(err)
		}
		convID = id
	}
	switchGuard.SetActive(ctx, convID)

	if strings.TrimSpace(text) == "" {
		text = "replay"
	}
	if _, err := controller.StartTurn(ctx, convID, text); err != nil {
		logg.Fatal(err)
	}

	for controller.IsInFlight(convID) {
		if p := controller.PendingPermission(); p != nil && autoAllow {
			if err := controller.RespondToPermission(ctx, p.RequestID, true); err != nil {
				logg.Warnw("auto-approve failed", "request", p.RequestID, "err", err)
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	raw, err := message.EncodeBlocks(controller.Blocks(convID))
	if err != nil {
		logg.Fatal(err)
	}
	fmt.Println(string(raw))
}

// replayTransport replays a JSONL event file as one turn's stream. It exists
// so the engine can be exercised end to end without a live SDK connection.
type replayTransport struct {
	path   string
	buffer int
	log    *logger.Logger

	mu    sync.Mutex
	stops map[string]chan struct{}
}

func newReplayTransport(path string, buffer int, logg *logger.Logger) *replayTransport {
	if buffer <= 0 {
		buffer = 64
	}
	return &replayTransport{
		path:   path,
		buffer: buffer,
		log:    logg.Named("replay"),
		stops:  make(map[string]chan struct{}),
	}
}

func (t *replayTransport) StartTurn(ctx context.Context, conversationID, _ string) (<-chan stream.Event, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}

	stop := make(chan struct{})
	t.mu.Lock()
	t.stops[conversationID] = stop
	t.mu.Unlock()

	ch := make(chan stream.Event, t.buffer)
	go func() {
		defer close(ch)
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			ev, err := stream.Decode([]byte(line))
			if err != nil {
				t.log.Warnw("skipping undecodable replay line", "err", err)
				continue
			}
			select {
			case ch <- ev:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (t *replayTransport) AbortTurn(_ context.Context, conversationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stop, ok := t.stops[conversationID]; ok {
		close(stop)
		delete(t.stops, conversationID)
	}
	return nil
}

func (t *replayTransport) SendPermissionDecision(context.Context, string, bool) error {
	return nil
}
