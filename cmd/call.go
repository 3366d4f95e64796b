/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-voice-go/internal/audio"
	"github.com/loqalabs/loqa-voice-go/internal/observe"
	"github.com/loqalabs/loqa-voice-go/internal/session"
	"github.com/loqalabs/loqa-voice-go/internal/transport"
)

// Keyboard commands read from stdin during a call.
const (
	keyEndTurn = "t"
	keyMute    = "m"
	keyQuit    = "q"
)

func newCallCmd(c *cli) *cobra.Command {
	var watchKB string

	cmd := &cobra.Command{
		Use:   "call [agent-id]",
		Short: "Start a voice call with an agent",
		Long: `Start a voice call with an agent using the default microphone and speaker.

While the call is running, type a command and press enter:
  t   end your turn so the agent answers
  m   toggle mute
  q   hang up`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				c.cfg.Server.AgentID = args[0]
			}
			if watchKB != "" {
				c.cfg.Events.KnowledgeBase = watchKB
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.runCall(ctx)
		},
	}
	cmd.Flags().StringVar(&watchKB, "watch-kb", "", "also print events for this knowledge base during the call")
	return cmd
}

func (c *cli) runCall(ctx context.Context) error {
	metrics, shutdown, err := c.metrics(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	sess, player, err := c.newSession(metrics)
	if err != nil {
		c.errorf("❌ %v\n", err)
		return err
	}
	defer player.Close()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(callCtx)
	g.Go(func() error {
		defer cancel()
		return c.converse(gctx, sess, c.in)
	})
	g.Go(func() error { return c.serveMetrics(gctx) })
	if kb := c.cfg.Events.KnowledgeBase; kb != "" {
		g.Go(func() error { return c.watchEvents(gctx, kb, metrics) })
	}
	return g.Wait()
}

// newSession wires capture, playback and the voice socket for one call.
// Capture and playback use separate backends: stopping the capture at
// hangup terminates its backend.
func (c *cli) newSession(metrics *observe.Metrics) (*session.Session, *audio.StreamPlayer, error) {
	decoder, err := audio.NewDecoder(c.cfg.Audio.PlaybackFormat, c.cfg.Decoder())
	if err != nil {
		return nil, nil, fmt.Errorf("playback decoder: %w", err)
	}

	mic := audio.NewCapture(audio.NewPortAudioBackend(), c.cfg.Capture(),
		audio.WithCaptureLogger(c.logger),
		audio.WithCaptureObserver(metrics),
	)
	player := audio.NewStreamPlayer(audio.NewPortAudioBackend(), c.cfg.Audio.OutputBufferSize)
	queue := audio.NewPlaybackQueue(decoder, player,
		audio.WithPlaybackLogger(c.logger),
		audio.WithPlaybackObserver(metrics),
	)

	sess := session.New(c.cfg.Session(), mic, queue,
		session.WithLogger(c.logger),
		session.WithObserver(metrics),
		session.WithDialer(session.DefaultDialer(transport.WithLogger(c.logger))),
	)
	return sess, player, nil
}

// converse runs one call to completion: it prints session events, applies
// keyboard commands from in and returns the call's error, if any.
func (c *cli) converse(ctx context.Context, sess *session.Session, in io.Reader) error {
	c.printf("📞 Calling agent %s at %s\n", c.cfg.Server.AgentID, c.cfg.Server.BaseURL)

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range sess.Events() {
			c.printEvent(ev)
		}
	}()

	if err := sess.Start(ctx); err != nil {
		if sess.State().Terminal() {
			<-printed
		}
		return c.callFailed(sess, err)
	}
	c.printf("🎙️  Speak now. Commands: [t] end turn  [m] mute  [q] hang up\n")

	keys := readKeys(in, sess.Done())
	for {
		select {
		case <-sess.Done():
			<-printed
			if err := sess.Err(); err != nil {
				return c.callFailed(sess, err)
			}
			c.printf("👋 Call ended after %s\n", formatElapsed(sess.Elapsed()))
			return nil
		case key, ok := <-keys:
			if !ok {
				// stdin closed; keep talking until a signal or the agent hangs up
				keys = nil
				continue
			}
			c.handleKey(sess, key)
		}
	}
}

func (c *cli) handleKey(sess *session.Session, key string) {
	switch key {
	case keyEndTurn:
		if err := sess.EndTurn(); err != nil {
			c.errorf("⚠️  %v\n", err)
		}
	case keyMute:
		muted := !sess.Muted()
		sess.SetMuted(muted)
		if muted {
			c.printf("🔇 Muted\n")
		} else {
			c.printf("🎙️  Unmuted\n")
		}
	case keyQuit:
		_ = sess.EndCall()
	case "":
	default:
		c.errorf("⚠️  unknown command %q (t, m or q)\n", key)
	}
}

func (c *cli) callFailed(sess *session.Session, err error) error {
	if cancelled(err) {
		c.printf("👋 Call cancelled\n")
		return nil
	}
	c.errorf("❌ %v\n", err)
	c.logger.Error("call failed", "session", sess.ID(), "kind", session.KindOf(err).String(), "err", err)
	reportError(err, sess.ID(), c.cfg.Server.AgentID)
	return err
}

// cancelled reports whether Start stopped because the caller gave up
// rather than because the call failed.
func cancelled(err error) bool {
	if session.KindOf(err) != 0 {
		return false
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, session.ErrEnded)
}

func (c *cli) printEvent(ev session.Event) {
	switch e := ev.(type) {
	case session.StateChanged:
		c.logger.Debug("call state", "from", e.From.String(), "to", e.To.String())
		if e.To == session.StateReadyWait {
			c.printf("⏳ Connected, waiting for the agent...\n")
		}
	case session.AgentReady:
		c.printf("✅ %s is listening\n", agentName(e.Agent))
	case session.Transcript:
		c.printf("%s %s\n", rolePrefix(e.Role), e.Text)
	case session.AudioEnd:
		c.logger.Debug("agent finished speaking")
	case session.RemoteError:
		c.errorf("⚠️  agent error: %s\n", e.Message)
	case session.Tick:
		if e.Elapsed%(30*time.Second) < time.Second {
			c.logger.Info("call in progress", "elapsed", formatElapsed(e.Elapsed))
		}
	}
}

func agentName(agent string) string {
	if agent == "" {
		return "The agent"
	}
	return agent
}

func rolePrefix(role string) string {
	switch role {
	case transport.RoleUser:
		return "🗣️  you:"
	case transport.RoleAssistant:
		return "🤖 agent:"
	default:
		return role + ":"
	}
}

// formatElapsed renders d as m:ss, or h:mm:ss past the hour.
func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// readKeys delivers trimmed, lower-cased lines from r until it is
// exhausted or stop is closed. A read already blocked on the terminal is
// not interrupted; it ends with the process.
func readKeys(r io.Reader, stop <-chan struct{}) <-chan string {
	keys := make(chan string)
	go func() {
		defer close(keys)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case keys <- strings.ToLower(strings.TrimSpace(scanner.Text())):
			case <-stop:
				return
			}
		}
	}()
	return keys
}
