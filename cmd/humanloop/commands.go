// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jllopis/humanloop/pkg/config"
	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
	"github.com/jllopis/humanloop/pkg/manager"
	"github.com/jllopis/humanloop/pkg/store"
	"github.com/jllopis/humanloop/pkg/telemetry"
)

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	return fs
}

func (c *cli) withApp(ctx context.Context, fn func(*app) error) error {
	a, err := c.newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	return fn(a)
}

func (c *cli) runAsk(ctx context.Context, args []string) error {
	fs := c.flagSet("ask")
	kind := fs.String("kind", string(core.KindApproval), "approval, information or conversation")
	channel := fs.String("channel", "", "channel name (default channel when empty)")
	payload := fs.String("payload", "", "JSON object sent to the human")
	timeout := fs.Duration("timeout", 0, "answer deadline (0 uses manager.default_timeout, negative disables it)")
	conversation := fs.String("conversation", "", "add the request as the next turn of this conversation")
	key := fs.String("key", "", "continuation key to register for resume")
	task := fs.String("task", "", "task id to attach")
	poll := fs.Duration("poll", 0, "poll interval for pull channels")
	if err := fs.Parse(args); err != nil {
		return NewInvalidArgumentError("ask", err.Error())
	}

	body := map[string]any{}
	if *payload != "" {
		if err := json.Unmarshal([]byte(*payload), &body); err != nil {
			return NewInvalidArgumentError("--payload", err.Error())
		}
	}
	if text := strings.Join(fs.Args(), " "); text != "" {
		body["prompt"] = text
	}
	if *timeout < 0 {
		*timeout = manager.NoTimeout
	}

	return c.withApp(ctx, func(a *app) error {
		in := manager.CreateRequest{
			Kind:            core.Kind(*kind),
			Channel:         *channel,
			Payload:         body,
			TaskID:          *task,
			Timeout:         *timeout,
			ConversationID:  *conversation,
			ContinuationKey: *key,
		}
		id, err := a.manager.Create(ctx, in)
		if err != nil {
			return err
		}
		a.log.DebugContext(ctx, "cli.ask.created", slog.String("request_id", id))
		resp, err := a.manager.Await(ctx, id, manager.AwaitOptions{PollInterval: *poll})
		if err != nil {
			return err
		}
		return c.printJSON(map[string]any{"request_id": id, "response": resp})
	})
}

func (c *cli) runShow(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return NewInvalidArgumentError("show", "usage: humanloop show <request-id>")
	}
	return c.withApp(ctx, func(a *app) error {
		req, err := a.manager.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return c.printJSON(req)
	})
}

func (c *cli) runConversation(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return NewInvalidArgumentError("conversation", "usage: humanloop conversation show|end|cancel|bind <id> [...]")
	}
	sub, id := args[0], args[1]
	return c.withApp(ctx, func(a *app) error {
		switch sub {
		case "show":
			session, turns, err := a.manager.Conversation(ctx, id)
			if err != nil {
				return err
			}
			return c.printJSON(map[string]any{"session": session, "turns": turns})
		case "end":
			return a.manager.EndConversation(ctx, id)
		case "cancel":
			return a.manager.CancelConversation(ctx, id, strings.Join(args[2:], " "))
		case "bind":
			if len(args) != 3 {
				return NewInvalidArgumentError("conversation bind", "usage: humanloop conversation bind <id> <key>")
			}
			return a.manager.BindConversation(ctx, args[2], id)
		default:
			return NewInvalidArgumentError(sub, "unknown conversation command")
		}
	})
}

func (c *cli) runPending(ctx context.Context, args []string) error {
	fs := c.flagSet("pending")
	channel := fs.String("channel", "", "only this channel")
	conversation := fs.String("conversation", "", "only this conversation")
	task := fs.String("task", "", "only this task")
	limit := fs.Int("limit", 0, "maximum number of requests")
	if err := fs.Parse(args); err != nil {
		return NewInvalidArgumentError("pending", err.Error())
	}
	return c.withApp(ctx, func(a *app) error {
		reqs, err := a.manager.Pending(ctx, store.RequestFilter{
			Channel:        *channel,
			ConversationID: *conversation,
			TaskID:         *task,
			Limit:          *limit,
		})
		if err != nil {
			return err
		}
		if c.global.JSON {
			if reqs == nil {
				reqs = []*core.Request{}
			}
			return c.printJSON(reqs)
		}
		w := c.table()
		fmt.Fprintln(w, "ID\tKIND\tCHANNEL\tCONVERSATION\tEXPIRES")
		for _, req := range reqs {
			expires := "-"
			if req.HasDeadline() {
				expires = req.ExpireAt.Format(time.RFC3339)
			}
			conv := "-"
			if !req.Standalone() {
				conv = req.ConversationID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", req.ID, req.Kind, req.Channel, conv, expires)
		}
		return w.Flush()
	})
}

func (c *cli) runCancel(ctx context.Context, args []string) error {
	fs := c.flagSet("cancel")
	reason := fs.String("reason", "cancelled from cli", "reason recorded on the request")
	if err := fs.Parse(args); err != nil {
		return NewInvalidArgumentError("cancel", err.Error())
	}
	if fs.NArg() != 1 {
		return NewInvalidArgumentError("cancel", "usage: humanloop cancel [--reason text] <request-id>")
	}
	return c.withApp(ctx, func(a *app) error {
		return a.manager.Cancel(ctx, fs.Arg(0), *reason)
	})
}

func (c *cli) runResume(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return NewInvalidArgumentError("resume", "usage: humanloop resume <key>")
	}
	return c.withApp(ctx, func(a *app) error {
		out, err := a.manager.Resume(ctx, args[0])
		if err != nil {
			return err
		}
		return c.printJSON(out)
	})
}

func (c *cli) runSweep(ctx context.Context, args []string) error {
	fs := c.flagSet("sweep")
	watch := fs.Bool("watch", false, "keep sweeping on sweeper.interval until interrupted")
	if err := fs.Parse(args); err != nil {
		return NewInvalidArgumentError("sweep", err.Error())
	}
	return c.withApp(ctx, func(a *app) error {
		sweeper := a.sweeper(c.cfg.Sweeper)
		if !*watch {
			expired, reaped := sweeper.SweepOnce(ctx)
			if c.global.JSON {
				return c.printJSON(map[string]int{"expired": expired, "reaped": reaped})
			}
			fmt.Fprintf(c.out, "expired: %d\nreaped: %d\n", expired, reaped)
			return nil
		}

		armed, err := a.manager.Rearm(ctx)
		if err != nil {
			return err
		}
		a.log.InfoContext(ctx, "cli.sweep.started", slog.Int("timers", armed), slog.Duration("interval", c.cfg.Sweeper.Interval))
		if c.global.ConfigPath != "" {
			watcher, err := config.NewWatcher(c.global.ConfigPath, c.global.Profile, config.WithWatchLogger(a.log))
			if err != nil {
				return err
			}
			watcher.OnChange(func(cfg *config.Config) {
				a.level.Set(telemetry.ParseLogLevel(cfg.Log.Level))
			})
			watcher.Start(ctx)
			defer watcher.Stop()
		}
		sweeper.Start(ctx)
		<-ctx.Done()
		sweeper.Stop()
		return nil
	})
}

func (c *cli) runHealth(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return NewInvalidArgumentError(args[0], "health takes no arguments")
	}
	return c.withApp(ctx, func(a *app) error {
		results, overall := a.manager.Health(ctx)
		if c.global.JSON {
			type entry struct {
				Component string `json:"component"`
				Status    string `json:"status"`
				Message   string `json:"message,omitempty"`
			}
			entries := make([]entry, 0, len(results))
			for _, r := range results {
				entries = append(entries, entry{Component: r.Component, Status: string(r.Status), Message: r.Message})
			}
			if err := c.printJSON(map[string]any{"status": overall, "components": entries}); err != nil {
				return err
			}
		} else {
			w := c.table()
			fmt.Fprintln(w, "COMPONENT\tSTATUS\tMESSAGE")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.Component, r.Status, r.Message)
			}
			fmt.Fprintf(w, "overall\t%s\t\n", overall)
			if err := w.Flush(); err != nil {
				return err
			}
		}
		if overall == core.HealthUnhealthy {
			return errors.New(errors.CodeProviderUnavailable, "unhealthy components", nil)
		}
		return nil
	})
}
