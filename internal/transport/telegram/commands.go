package telegram

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "pollcron/pkg/logx"
)

// ErrForbidden is returned to senders that are not configured admins.
var ErrForbidden = errors.New("not allowed")

// HandlerFunc answers a command with a plain text reply.
type HandlerFunc func(ctx context.Context, args []string) (string, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Command is a bot command such as /tally.
type Command struct {
	Name        string // without the slash
	Description string
	Timeout     time.Duration
	Handle      HandlerFunc
}

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, args []string) (string, error) {
			if d <= 0 {
				return next(ctx, args)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, args)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, args []string) (reply string, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, args)
		}
	}
}

func MWRequestLog(log logx.Logger, name string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, args []string) (string, error) {
			start := time.Now()
			reply, err := next(ctx, args)
			fields := []logx.Field{logx.String("cmd", name), logx.Duration("dur", time.Since(start))}
			if err != nil {
				log.Warn("command failed", append(fields, logx.Err(err))...)
			} else {
				log.Debug("command ok", fields...)
			}
			return reply, err
		}
	}
}

// Handle registers cmd. Call it before Start so the command menu includes it.
func (a *Adapter) Handle(cmd Command) {
	h := Chain(cmd.Handle,
		MWPanicRecover(a.log),
		MWRequestLog(a.log, cmd.Name),
		MWTimeout(cmd.Timeout),
	)
	a.cmdMu.Lock()
	a.commands = append(a.commands, cmd)
	a.cmdMu.Unlock()
	if a.bot == nil {
		return
	}
	a.bot.Handle("/"+cmd.Name, func(c tele.Context) error {
		reply, err := a.run(c, h)
		if err != nil {
			reply = "error: " + err.Error()
		}
		if reply == "" {
			return nil
		}
		var opts tele.SendOptions
		if m := c.Message(); m != nil {
			opts.ThreadID = m.ThreadID
		}
		for _, chunk := range splitText(reply, textLimit) {
			if err := c.Send(chunk, &opts); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Adapter) run(c tele.Context, h HandlerFunc) (string, error) {
	if s := c.Sender(); s == nil || !a.allowed(s.ID) {
		return "", ErrForbidden
	}
	ctx := context.Background()
	if sup := a.Supervisor(); sup != nil {
		ctx = sup.Context()
	}
	return h(ctx, c.Args())
}

func (a *Adapter) allowed(userID int64) bool { return a.admins[userID] }

// publishCommands updates the bot's command menu.
func (a *Adapter) publishCommands() error {
	a.cmdMu.Lock()
	cmds := make([]tele.Command, 0, len(a.commands))
	for _, c := range a.commands {
		d := c.Description
		if d == "" {
			d = c.Name
		}
		cmds = append(cmds, tele.Command{Text: c.Name, Description: d})
	}
	a.cmdMu.Unlock()
	if len(cmds) == 0 || a.bot == nil {
		return nil
	}
	return a.bot.SetCommands(cmds)
}
