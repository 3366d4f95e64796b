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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-voice-go/internal/config"
	natsevents "github.com/loqalabs/loqa-voice-go/internal/nats"
	"github.com/loqalabs/loqa-voice-go/internal/transport"
)

func newEventsCmd(c *cli) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "kb-events [knowledge-base-id]",
		Short: "Print document processing events for a knowledge base",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				c.cfg.Events.KnowledgeBase = args[0]
			}
			if cmd.Flags().Changed("source") {
				c.cfg.Events.Source = config.EventSource(source)
				if err := config.Validate(c.cfg); err != nil {
					return err
				}
			}
			kb := c.cfg.Events.KnowledgeBase
			if kb == "" {
				return errors.New("a knowledge base id is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.runEvents(ctx, kb)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "event source: sse or nats (default from config)")
	return cmd
}

func (c *cli) runEvents(ctx context.Context, kb string) error {
	metrics, shutdown, err := c.metrics(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	c.printf("📚 Watching knowledge base %s (%s)\n", kb, c.cfg.Events.Source)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(watchCtx)
	g.Go(func() error {
		defer cancel()
		return c.watchEvents(gctx, kb, metrics)
	})
	g.Go(func() error { return c.serveMetrics(gctx) })
	return g.Wait()
}

// watchEvents prints knowledge-base events from the configured source
// until ctx is done.
func (c *cli) watchEvents(ctx context.Context, kb string, obs transport.StreamObserver) error {
	switch c.cfg.Events.Source {
	case config.SourceNATS:
		sub, err := natsevents.NewEventSubscriber(ctx, c.cfg.Events.NATSURL, kb, c.cfg.Events.Buffer,
			natsevents.WithLogger(c.logger),
			natsevents.WithObserver(obs),
		)
		if err != nil {
			return fmt.Errorf("knowledge base events: %w", err)
		}
		return sub.Run(ctx, c.printKBEvent)

	default:
		url, err := transport.EventsURL(c.cfg.Server.BaseURL, kb, c.cfg.Server.Credential)
		if err != nil {
			return fmt.Errorf("knowledge base events: %w", err)
		}
		stream := transport.NewEventStream(url,
			transport.WithStreamLogger(c.logger),
			transport.WithStreamObserver(obs),
			transport.WithBackoff(c.cfg.Events.InitialBackoff, c.cfg.Events.MaxBackoff),
		)
		if err := stream.Run(ctx, c.printKBEvent); err != nil {
			return fmt.Errorf("knowledge base events: %w", err)
		}
		return nil
	}
}

func (c *cli) printKBEvent(ev transport.Event) {
	if ev.Doc == nil {
		if ev.Name == transport.EventConnected {
			c.printf("🔗 Subscribed\n")
		} else {
			c.logger.Debug("knowledge base event", "event", ev.Name, "data", string(ev.Data))
		}
		return
	}

	doc := ev.Doc
	name := doc.Filename
	if name == "" {
		name = doc.DocID
	}
	switch ev.Name {
	case transport.EventDocProcessing:
		c.printf("⚙️  %s processing\n", name)
	case transport.EventDocCompleted:
		c.printf("✅ %s ready (%d chunks)\n", name, doc.ChunkCount)
	case transport.EventDocFailed:
		c.printf("❌ %s failed: %s\n", name, doc.Error)
	case transport.EventDocDeleted:
		c.printf("🗑️  %s deleted\n", name)
	default:
		c.printf("ℹ️  %s: %s\n", ev.Name, name)
	}
}
