// Command smoke connects once, sends a room message and exits 0 when it is confirmed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vovakirdan/wirechat-realtime/internal/client"
	"github.com/vovakirdan/wirechat-realtime/internal/client/timeline"
	"github.com/vovakirdan/wirechat-realtime/internal/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "smoke:", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	token := flag.String("token", os.Getenv("WIRECHAT_TOKEN"), "access token")
	room := flag.String("room", "general", "room name")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	if *token == "" {
		return errors.New("--token is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger := log.New("info", "console")
	confirmed := make(chan timeline.Entry, 1)

	var c *client.Client
	c, err := client.Dial(ctx, *addr, *token,
		client.WithLogger(logger),
		client.WithHandler(func(ev client.Event) {
			if ev.Err != nil {
				logger.Warn().Str("code", ev.Err.Code).Msg(ev.Err.Msg)
				return
			}
			logger.Info().Str("event", ev.Name).Bytes("data", ev.Data).Msg("received")
			for _, e := range c.Timeline(client.RoomKey(*room)).Entries() {
				if e.Status == timeline.StatusConfirmed && e.SenderID == c.Self().ID {
					select {
					case confirmed <- e:
					default:
					}
				}
			}
		}),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	go func() { _ = c.Run(ctx) }()

	if err := c.JoinRoom(ctx, *room); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	if _, err := c.SendRoom(ctx, *room, *text); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	select {
	case e := <-confirmed:
		logger.Info().Int64("id", e.ID).Str("room", *room).Msg("message confirmed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no confirmation: %w", ctx.Err())
	}
}
