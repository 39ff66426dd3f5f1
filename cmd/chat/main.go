// Command chat is a terminal participant for manual testing against a running server.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-realtime/internal/client"
	"github.com/vovakirdan/wirechat-realtime/internal/client/call"
	"github.com/vovakirdan/wirechat-realtime/internal/log"
	"github.com/vovakirdan/wirechat-realtime/internal/proto"
)

type options struct {
	addr     string
	token    string
	user     string
	password string
	room     string
	ice      []string
	verbose  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chat:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "chat",
		Short:         "Interactive terminal chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "ws://localhost:8080/ws", "WebSocket address")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("WIRECHAT_TOKEN"), "access token")
	cmd.Flags().StringVarP(&opts.user, "user", "u", "", "log in with this username when no token is given")
	cmd.Flags().StringVarP(&opts.password, "password", "p", "", "password for --user")
	cmd.Flags().StringVar(&opts.room, "room", "general", "room to join")
	cmd.Flags().StringSliceVar(&opts.ice, "ice", nil, "STUN/TURN urls for calls")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	logger := log.New(level, "console")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token := opts.token
	if token == "" {
		if opts.user == "" {
			return errors.New("either --token or --user is required")
		}
		var err error
		token, err = login(ctx, opts.addr, opts.user, opts.password)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	c, err := client.Dial(ctx, opts.addr, token,
		client.WithLogger(logger),
		client.WithPeerFactory(call.NewPionFactory(opts.ice)),
		client.WithHandler(func(ev client.Event) { printEvent(out, ev) }),
		client.WithCallObserver(func(s call.Snapshot) { printCall(out, s) }),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	if opts.room != "" {
		if err := c.JoinRoom(ctx, opts.room); err != nil {
			return fmt.Errorf("join: %w", err)
		}
	}

	me := c.Self()
	fmt.Fprintf(out, "Connected to %s as %s (#%d) in room %s\n", opts.addr, me.Name, me.ID, opts.room)
	fmt.Fprintln(out, "Type messages and press Enter to send. /help lists commands. Ctrl+C to exit.")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		if err := c.Run(ctx); err != nil {
			logger.Warn().Err(err).Msg("connection closed")
		}
	}()

	repl(ctx, c, out, opts.room)
	return nil
}

func repl(ctx context.Context, c *client.Client, out io.Writer, room string) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var err error
			room, err = execute(ctx, c, out, room, line)
			if err != nil {
				fmt.Fprintln(out, "!", err)
			}
		}
	}
}

const help = `/join <room>           switch to a room
/leave                 leave the current room
/dm <user-id> <text>   direct message
/delete <message-id>   delete one of your messages in the current room
/deletedm <message-id> delete one of your direct messages
/call <user-id> [video]
/gcall [video]         start a call in the current room
/accept /reject /hangup
/who                   online users`

// execute runs one input line and returns the current room.
func execute(ctx context.Context, c *client.Client, out io.Writer, room, line string) (string, error) {
	if !strings.HasPrefix(line, "/") {
		_, err := c.SendRoom(ctx, room, line)
		return room, err
	}

	fields := strings.Fields(line)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	mode := call.ModeAudio
	if strings.EqualFold(arg(len(fields)-1), "video") {
		mode = call.ModeVideo
	}

	switch fields[0] {
	case "/help":
		fmt.Fprintln(out, help)
	case "/join":
		if arg(1) == "" {
			return room, errors.New("usage: /join <room>")
		}
		return arg(1), c.JoinRoom(ctx, arg(1))
	case "/leave":
		return room, c.LeaveRoom(ctx, room)
	case "/dm":
		id, err := strconv.ParseInt(arg(1), 10, 64)
		if err != nil || len(fields) < 3 {
			return room, errors.New("usage: /dm <user-id> <text>")
		}
		text := strings.TrimSpace(strings.SplitN(line, " ", 3)[2])
		_, err = c.SendDirect(ctx, id, text)
		return room, err
	case "/delete", "/deletedm":
		id, err := strconv.ParseInt(arg(1), 10, 64)
		if err != nil {
			return room, errors.New("usage: /delete <message-id>")
		}
		target := room
		if fields[0] == "/deletedm" {
			target = ""
		}
		return room, c.DeleteMessage(ctx, id, target)
	case "/call":
		id, err := strconv.ParseInt(arg(1), 10, 64)
		if err != nil {
			return room, errors.New("usage: /call <user-id> [video]")
		}
		return room, c.Calls().RequestCall(ctx, id, mode)
	case "/gcall":
		return room, c.Calls().RequestGroupCall(ctx, room, mode)
	case "/accept":
		return room, c.Calls().Accept(ctx)
	case "/reject":
		return room, c.Calls().Reject(ctx)
	case "/hangup":
		return room, c.Calls().End(ctx)
	case "/who":
		fmt.Fprintln(out, "online:", c.OnlineUsers())
	default:
		return room, fmt.Errorf("unknown command %s", fields[0])
	}
	return room, nil
}

func printEvent(out io.Writer, ev client.Event) {
	if ev.Err != nil {
		fmt.Fprintf(out, "! %s: %s\n", ev.Err.Code, ev.Err.Msg)
		return
	}
	switch ev.Name {
	case "newMessage", "newRoomMessage":
		var m proto.MessageData
		if json.Unmarshal(ev.Data, &m) != nil || !m.Confirmed {
			return
		}
		where := "dm"
		if m.RoomID != "" {
			where = m.RoomID
		}
		fmt.Fprintf(out, "[%s #%d] %s: %s\n", where, m.ID, m.Sender.Name, m.Text)
	case "roomMessageDeleted", "messageDeleted":
		var m proto.MessageData
		if json.Unmarshal(ev.Data, &m) == nil {
			fmt.Fprintf(out, "[#%d deleted]\n", m.ID)
		}
	case "messageError":
		var e proto.MessageErrorData
		if json.Unmarshal(ev.Data, &e) == nil {
			fmt.Fprintf(out, "! message not sent: %s\n", e.Error)
		}
	case "userJoinedRoom", "userLeftRoom":
		var m proto.RoomMemberData
		if json.Unmarshal(ev.Data, &m) == nil {
			verb := "joined"
			if ev.Name == "userLeftRoom" {
				verb = "left"
			}
			fmt.Fprintf(out, "[room %s] %s %s\n", m.RoomID, m.Username, verb)
		}
	case "userOnline", "userOffline":
		var p proto.PresenceData
		if json.Unmarshal(ev.Data, &p) == nil {
			fmt.Fprintf(out, "* %s is %s\n", p.Username, strings.TrimPrefix(ev.Name, "user"))
		}
	}
}

func printCall(out io.Writer, s call.Snapshot) {
	who := s.PeerName
	if who == "" && s.Peer != 0 {
		who = "#" + strconv.FormatInt(s.Peer, 10)
	}
	if s.Room != "" {
		who = "room " + s.Room
	}
	line := fmt.Sprintf("~ call %s: %s", who, s.Phase)
	if s.Reason != "" {
		line += " (" + s.Reason + ")"
	}
	if s.Phase == call.PhaseRinging {
		line += ", /accept or /reject"
	}
	fmt.Fprintln(out, line)
}

// login exchanges credentials for a token on the REST API next to addr.
func login(ctx context.Context, addr, user, password string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse addr: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/api/auth/login"
	u.RawQuery = ""

	body, err := json.Marshal(map[string]string{"username": user, "password": password})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Token string `json:"token"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed: %s", payload.Error)
	}
	return payload.Token, nil
}
