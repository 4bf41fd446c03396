package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tandemlabs/tandem/internal/models"
	"github.com/tandemlabs/tandem/internal/sync"
	"gopkg.in/yaml.v3"
)

// tandem-client is a terminal player. It drives the full sync loop
// (heartbeat engine, change feed, state machine) against a running server, so
// two terminals can play a complete session.
func main() {
	serverURL := flag.String("server", "http://localhost:8080", "API server base URL")
	natsURL := flag.String("nats", "nats://localhost:4222", "NATS URL for the change feed")
	joinCode := flag.String("join", "", "room code to join; empty creates a new room")
	configPath := flag.String("config", "", "optional YAML file tuning heartbeat and timeout intervals")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	var (
		client *sync.Client
		room   *models.Room
		err    error
	)
	if *joinCode == "" {
		client, room, err = sync.CreateRoom(ctx, *serverURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create room")
		}
		fmt.Printf("room created, share this code: %s\n", room.Code)
	} else {
		client, room, err = sync.JoinRoom(ctx, *serverURL, strings.ToUpper(*joinCode))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to join room")
		}
		fmt.Printf("joined room %s\n", room.Code)
	}

	cfg, err := loadClientConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load client config")
	}
	session, err := sync.NewSession(client, *natsURL, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start session")
	}
	go session.Run(ctx)
	go printEvents(session.Events())

	fmt.Println("commands: ready | answer <text> | level <1-3> | card | respond <text> | eval <h> <a> <i> <s> | levelup <yes|no> | finish | quit")
	repl(ctx, cancel, client, session)
}

// loadClientConfig reads sync tuning from an optional YAML file. Every knob
// defaults to the stock value; the file only overrides what it names.
func loadClientConfig(path string) (sync.Config, error) {
	cfg := sync.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func repl(ctx context.Context, cancel context.CancelFunc, client *sync.Client, session *sync.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	turnStart := time.Now()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "ready":
			err = client.SetReady(ctx)
		case "answer":
			err = client.SubmitProximityAnswer(ctx, strings.Join(fields[1:], " "))
		case "level":
			err = selectLevel(ctx, session, fields)
		case "card":
			err = client.ConfirmCard(ctx)
			turnStart = time.Now()
		case "respond":
			_, err = client.SubmitResponse(ctx, strings.Join(fields[1:], " "), time.Since(turnStart))
		case "eval":
			err = evaluate(ctx, client, session, fields)
		case "levelup":
			err = levelUp(ctx, client, fields)
		case "finish":
			err = client.FinishRoom(ctx)
		case "quit":
			cancel()
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
			continue
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func selectLevel(ctx context.Context, session *sync.Session, fields []string) error {
	if len(fields) != 2 {
		return fmt.Errorf("usage: level <1-3>")
	}
	level, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("usage: level <1-3>")
	}
	result, err := session.SelectLevel(ctx, level)
	if err != nil {
		return err
	}
	fmt.Printf("level selection: %s", result.Status)
	if result.Message != "" {
		fmt.Printf(" (%s)", result.Message)
	}
	fmt.Println()
	return nil
}

func evaluate(ctx context.Context, client *sync.Client, session *sync.Session, fields []string) error {
	if len(fields) != 5 {
		return fmt.Errorf("usage: eval <honesty> <attraction> <intimacy> <surprise>")
	}
	scores := make([]int, 4)
	for i, raw := range fields[1:] {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("scores must be numbers 1-10")
		}
		scores[i] = v
	}

	responseID, ok := pendingResponseID(session, client.PlayerID)
	if !ok {
		return fmt.Errorf("no response from your partner to evaluate")
	}
	return client.SubmitEvaluation(ctx, responseID, models.PillarScores{
		Honesty:    scores[0],
		Attraction: scores[1],
		Intimacy:   scores[2],
		Surprise:   scores[3],
	})
}

// pendingResponseID finds the opponent's unevaluated response in the latest
// snapshot.
func pendingResponseID(session *sync.Session, me uuid.UUID) (uuid.UUID, bool) {
	snap := session.Machine.Snapshot()
	if snap == nil || snap.PendingResponse == nil {
		return uuid.Nil, false
	}
	if snap.PendingResponse.ResponderID == me {
		return uuid.Nil, false
	}
	return snap.PendingResponse.ID, true
}

func levelUp(ctx context.Context, client *sync.Client, fields []string) error {
	if len(fields) != 2 {
		return fmt.Errorf("usage: levelup <yes|no>")
	}
	status, err := client.ConfirmLevelUp(ctx, fields[1] == "yes")
	if err != nil {
		return err
	}
	fmt.Printf("level up: %s\n", status)
	return nil
}

func printEvents(events <-chan sync.Event) {
	for event := range events {
		switch event.Type {
		case sync.EventPhaseChanged:
			fmt.Printf("\n>> phase: %s\n", event.Phase)
		case sync.EventConnectionChanged:
			fmt.Printf("\n>> connection: connected=%t\n", event.Connected)
		case sync.EventOpponentChanged:
			fmt.Printf("\n>> opponent: connected=%t\n", event.Connected)
		case sync.EventVoteUpdate:
			if event.Vote != nil {
				fmt.Printf("\n>> vote: %s\n", event.Vote.Status)
			}
		case sync.EventVoteReset:
			fmt.Println("\n>> vote reset, choose a level again")
		case sync.EventStuckReset:
			fmt.Println("\n>> state reset after stall, re-syncing")
		case sync.EventResponseWarning:
			fmt.Println("\n>> time is almost up for this response")
		case sync.EventSyncAction:
			fmt.Printf("\n>> partner action: %s\n", event.Action.ActionType)
		}
	}
}
