// cmd/lobbyctl/main.go
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/jason-s-yu/matchmaking/internal/auth"
	"github.com/jason-s-yu/matchmaking/internal/backend"
	"github.com/jason-s-yu/matchmaking/internal/backend/memory"
	"github.com/jason-s-yu/matchmaking/internal/backend/wsgateway"
	"github.com/jason-s-yu/matchmaking/internal/cache"
	"github.com/jason-s-yu/matchmaking/internal/config"
	"github.com/jason-s-yu/matchmaking/internal/dispatch"
	"github.com/jason-s-yu/matchmaking/internal/events"
	"github.com/jason-s-yu/matchmaking/internal/identity"
	"github.com/jason-s-yu/matchmaking/internal/lobby"
	"github.com/jason-s-yu/matchmaking/internal/logging"
	"github.com/jason-s-yu/matchmaking/internal/matchmaking"
	"github.com/jason-s-yu/matchmaking/internal/models"
	"github.com/jason-s-yu/matchmaking/internal/session"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const usage = `commands:
  create [name] [bucket] [max]   create a lobby
  search [bucket]                list lobbies
  join <lobby-id>                join a lobby
  leave | destroy                leave or close the current lobby
  ready | unready                toggle the ready flag
  say <text>                     chat with the lobby
  members                        list lobby members
  sessions [bucket]              list game sessions
  joinsession <session-id>       join a game session
  host [name] [max]              create a game session
  quit`

func main() {
	envFile := flag.String("env", ".env", "dotenv file to load")
	name := flag.String("name", "", "display name, overrides MATCH_DISPLAY_NAME")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		logrus.Fatalf("%v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	if *name != "" {
		cfg.DisplayName = *name
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = "Player-" + uuid.NewString()[:4]
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin, os.Stdout); err != nil {
		logger.WithError(err).Error("lobbyctl exited")
		os.Exit(1)
	}
}

// connect logs in and returns the gateway, the local identity and a function that closes the
// connection.
func connect(ctx context.Context, cfg config.Config, logger *logrus.Logger) (backend.Gateway, models.LocalIdentity, func(), error) {
	if cfg.Backend == config.BackendMemory {
		svc := memory.NewService(logger)
		player, account := svc.NewAccount(cfg.DisplayName)
		return svc.Client(player), models.LocalIdentity{Player: player, Account: account}, svc.Close, nil
	}

	token := cfg.IdentityToken
	var id models.LocalIdentity
	if token == "" {
		base, err := wsgateway.HTTPBase(cfg.BackendURL)
		if err != nil {
			return nil, id, nil, err
		}
		login, err := wsgateway.DevLogin(ctx, base, cfg.DisplayName)
		if err != nil {
			return nil, id, nil, err
		}
		token = login.Token
		id = models.LocalIdentity{Player: login.Player, Account: login.ExternalAccount}
	} else {
		claims, err := auth.PeekIdentityToken(token)
		if err != nil {
			return nil, id, nil, err
		}
		id = claims
	}

	client, err := wsgateway.Dial(ctx, cfg.BackendURL, token, logger)
	if err != nil {
		return nil, id, nil, err
	}
	return client, id, func() { _ = client.Close() }, nil
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger, in io.Reader, out io.Writer) error {
	gw, id, disconnect, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer disconnect()
	fmt.Fprintf(out, "logged in as %s (%s)\n", cfg.DisplayName, id.Player)

	queue := dispatch.NewQueue()
	bus := events.NewBus(logger)
	bus.Subscribe(func(ev events.Event) { printEvent(out, ev) })

	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		sink := cache.NewEventSink(rdb, cfg.RedisChannel, string(id.Player), logger)
		bus.Subscribe(sink.Handle)
		defer sink.Wait()
	}

	resolver, err := identity.NewResolver(gw, queue, logger, 0)
	if err != nil {
		return err
	}
	defer resolver.Close()

	lob, err := lobby.New(lobby.Options{
		Gateway:      gw,
		Identity:     id,
		Queue:        queue,
		Bus:          bus,
		Resolver:     resolver,
		Logger:       logger,
		PumpInterval: cfg.PumpInterval,
		SearchMax:    cfg.LobbySearchMax,
	})
	if err != nil {
		return err
	}
	sess, err := session.New(session.Options{
		Gateway:     gw,
		Identity:    id,
		Queue:       queue,
		Bus:         bus,
		Logger:      logger,
		Bucket:      cfg.SessionBucket,
		SessionName: cfg.SessionName,
		DefaultPort: cfg.DefaultPort,
		ForceLocal:  cfg.ForceLocalServer,
		HostAddress: cfg.HostAddress,
		Traveler: session.TravelerFunc(func(sessionID, address string) error {
			fmt.Fprintf(out, "-> travelling to session %s at %s\n", sessionID, address)
			return nil
		}),
	})
	if err != nil {
		return err
	}
	coord, err := matchmaking.New(matchmaking.Options{
		Lobby:             lob,
		Session:           sess,
		Queue:             queue,
		Bus:               bus,
		Logger:            logger,
		JoinDelayMin:      cfg.JoinDelayMin,
		JoinDelayMax:      cfg.JoinDelayMax,
		HostSessions:      cfg.HostSessions,
		SessionName:       cfg.SessionName,
		SessionMaxPlayers: cfg.LobbyMaxPlayers,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := queue.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if c, ok := gw.(*wsgateway.Client); ok {
		g.Go(func() error {
			select {
			case <-c.Done():
				return fmt.Errorf("relay connection ended: %w", c.Err())
			case <-gctx.Done():
				return nil
			}
		})
	}
	g.Go(func() error {
		defer queue.Close()
		fmt.Fprintln(out, usage)
		cmd := commands{cfg: cfg, lobby: lob, session: sess, out: out}
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := cmd.exec(line); err != nil {
					if errors.Is(err, errQuit) {
						return errQuit
					}
					fmt.Fprintf(out, "error: %v\n", err)
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

var errQuit = errors.New("quit")

type commands struct {
	cfg     config.Config
	lobby   *lobby.Orchestrator
	session *session.Orchestrator
	out     io.Writer
}

func argOr(args []string, i int, def string) string {
	if i < len(args) && args[i] != "" {
		return args[i]
	}
	return def
}

func intArgOr(args []string, i int, def int) (int, error) {
	if i >= len(args) {
		return def, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", args[i])
	}
	return n, nil
}

func (c commands) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "create":
		max, err := intArgOr(args, 2, c.cfg.LobbyMaxPlayers)
		if err != nil {
			return err
		}
		return c.lobby.CreateLobby(models.LobbySettings{
			Name:       argOr(args, 0, c.cfg.LobbyName),
			Bucket:     argOr(args, 1, c.cfg.LobbyBucket),
			MaxPlayers: max,
		})
	case "search":
		return c.lobby.SearchLobbies(argOr(args, 0, c.cfg.LobbyBucket))
	case "join":
		return c.lobby.JoinLobby(argOr(args, 0, ""))
	case "leave":
		return c.lobby.LeaveLobby()
	case "destroy":
		return c.lobby.DestroyLobby()
	case "ready":
		return c.lobby.SetReady(true)
	case "unready":
		return c.lobby.SetReady(false)
	case "say":
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		return c.lobby.SendChatMessage(text)
	case "members":
		if !c.lobby.InLobby() {
			return lobby.ErrNotInLobby
		}
		for _, m := range c.lobby.MemberList() {
			flags := ""
			if m.IsOwner {
				flags += " owner"
			}
			if m.IsReady {
				flags += " ready"
			}
			fmt.Fprintf(c.out, "  %s (%s)%s\n", m.Name(), m.Player, flags)
		}
		fmt.Fprintf(c.out, "  %d/%d ready\n", c.lobby.ReadyPlayerCount(), len(c.lobby.Members()))
		return nil
	case "sessions":
		return c.session.SearchSessions(argOr(args, 0, ""))
	case "joinsession":
		return c.session.JoinSessionByID(argOr(args, 0, ""))
	case "host":
		max, err := intArgOr(args, 1, c.cfg.LobbyMaxPlayers)
		if err != nil {
			return err
		}
		return c.session.CreateSession(argOr(args, 0, ""), max)
	case "quit", "exit":
		return errQuit
	case "help":
		fmt.Fprintln(c.out, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func printEvent(out io.Writer, ev events.Event) {
	switch ev.Type {
	case events.LobbyCreated, events.LobbyJoined:
		fmt.Fprintf(out, "[%s] %s\n", ev.Type, ev.LobbyID)
	case events.LobbiesFound:
		fmt.Fprintf(out, "[%s] %d lobbies\n", ev.Type, len(ev.Lobbies))
		for _, l := range ev.Lobbies {
			fmt.Fprintf(out, "  %s  %-20s %d/%d\n", l.LobbyID, l.LobbyName, l.CurrentPlayers, l.MaxPlayers)
		}
	case events.SessionsFound:
		fmt.Fprintf(out, "[%s] %s\n", ev.Type, strings.Join(ev.Sessions, ", "))
	case events.ChatMessageReceived:
		fmt.Fprintf(out, "<%s> %s\n", ev.Sender, ev.Text)
	case events.LobbyError, events.SessionError:
		fmt.Fprintf(out, "[%s] %s\n", ev.Type, ev.Message)
	case events.LobbyLeft:
		if ev.Message != "" {
			fmt.Fprintf(out, "[%s] %s\n", ev.Type, ev.Message)
		} else {
			fmt.Fprintf(out, "[%s]\n", ev.Type)
		}
	case events.SessionAddressUpdated:
		fmt.Fprintf(out, "[%s] %s\n", ev.Type, ev.Address)
	case events.SessionCreated, events.SessionDestroyed:
		fmt.Fprintf(out, "[%s] %s\n", ev.Type, ev.SessionID)
	case events.SessionJoined:
		fmt.Fprintf(out, "[%s] %s at %s\n", ev.Type, ev.SessionID, ev.Address)
	case events.MemberDisplayNameResolved:
		fmt.Fprintf(out, "[%s] %s is %s\n", ev.Type, ev.Player, ev.Name)
	default:
		fmt.Fprintf(out, "[%s]\n", ev.Type)
	}
}
