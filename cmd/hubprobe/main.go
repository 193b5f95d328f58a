// Command hubprobe connects to a hub as a user, joins a study and prints
// what it sees. It is meant for smoke-testing deployments.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/a-essam23/studyhub/pkg/client"
	"github.com/a-essam23/studyhub/pkg/identity"
	"github.com/a-essam23/studyhub/pkg/logging"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("hubprobe", pflag.ExitOnError)
	hubURL := fs.String("url", "ws://localhost:3001/ws", "hub websocket endpoint")
	userID := fs.String("user", "", "user id to connect as")
	token := fs.String("token", "", "session token")
	study := fs.String("study", "", "study id to join once connected")
	video := fs.String("video-room", "", "video room to join inside the study")
	identityURL := fs.String("identity-url", "", "verify the session against this identity service before dialing")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn or error")
	_ = fs.Parse(os.Args[1:])

	logger := logging.New(logging.ParseLevel(*logLevel), logging.FormatText)
	if *userID == "" {
		logger.Error("--user is required")
		os.Exit(2)
	}

	opts := client.Options{Logger: logger}
	if *identityURL != "" {
		opts.Verifier = identity.NewClient(*identityURL, 5*time.Second)
	}
	c := client.New(client.NewWSTransport(*hubURL), opts)

	failed := make(chan struct{}, 1)
	c.OnStateChange(func(ev client.StateEvent) {
		logger.Info("State", slog.String("from", ev.OldState.String()), slog.String("to", ev.NewState.String()), slog.Int("attempt", ev.Attempt))
		if ev.NewState == client.StateFailed {
			select {
			case failed <- struct{}{}:
			default:
			}
		}
	})
	c.OnError(func(d apperror.Descriptor) {
		logger.Warn("Error", slog.String("code", string(d.Code)), slog.String("message", d.UserMessage), slog.Bool("retryable", d.Retryable))
	})
	c.OnEvent(func(event string, payload json.RawMessage) {
		logger.Info("Event", slog.String("event", event), slog.String("payload", string(payload)))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *study != "" {
		_ = c.JoinStudy(ctx, *study)
		if *video != "" {
			_ = c.JoinVideoRoom(ctx, *study, *video)
		}
	}
	c.SetIdentity(&client.Credentials{UserID: *userID, Token: *token})

	select {
	case <-ctx.Done():
		c.Disconnect()
	case <-failed:
		c.Disconnect()
		os.Exit(1)
	}
}
