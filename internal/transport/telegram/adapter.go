// Package telegram sends polls through the Telegram Bot API and turns poll
// answers into vote events.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"pollcron/internal/poll"
	rtsup "pollcron/internal/runtime/supervisor"
	"pollcron/internal/transport"
	logx "pollcron/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendRatePerSec throttles every outgoing message. 0 means 20.
	SendRatePerSec int
	// BallotCacheSize bounds remembered voter selections. 0 means 10000.
	BallotCacheSize int
	// Admins may run commands. Empty disables commands.
	Admins []int64
	// SubmitTimeout bounds how long one vote waits for queue space.
	SubmitTimeout time.Duration
	// SendTimeout caps one Bot API call on top of the long-poll timeout.
	// Callers bound sends tighter through their context.
	SendTimeout time.Duration
}

// Telegram only honors open_period within this window.
const (
	minOpenPeriod = 5 * time.Second
	maxOpenPeriod = 600 * time.Second
)

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter
	ballots *ballots
	sink    atomic.Pointer[sinkRef]

	runMu   sync.Mutex
	running bool
	// sup owns the poll loop and the stop watcher. Created on Start.
	sup *rtsup.Supervisor

	cmdMu    sync.Mutex
	commands []Command
	admins   map[int64]bool

	droppedVotes atomic.Uint64
}

type sinkRef struct{ transport.VoteSink }

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		// getUpdates holds the request open for the poll timeout.
		Client: &http.Client{Timeout: timeout + sendTimeout},
		Poller: &tele.LongPoller{
			Timeout:        timeout,
			AllowedUpdates: []string{"message", "poll_answer"},
		},
		// Poll answers must reach the coordinator in arrival order.
		Synchronous: true,
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrTransport, err)
	}
	return newAdapter(cfg, log, b), nil
}

func newAdapter(cfg Config, log logx.Logger, b *tele.Bot) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SendRatePerSec <= 0 {
		cfg.SendRatePerSec = 20
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), 1),
		ballots: newBallots(cfg.BallotCacheSize),
		admins:  map[int64]bool{},
	}
	for _, id := range cfg.Admins {
		a.admins[id] = true
	}
	if b != nil {
		b.Handle(tele.OnPollAnswer, a.onPollAnswer)
	}
	return a
}

// SetVoteSink sets where vote events go. Answers arriving before a sink is
// set are ignored.
func (a *Adapter) SetVoteSink(s transport.VoteSink) {
	if s == nil {
		a.sink.Store(nil)
		return
	}
	a.sink.Store(&sinkRef{s})
}

// SetBallotStore persists voter selections. Call it before Start.
func (a *Adapter) SetBallotStore(s BallotStore) { a.ballots.setStore(s) }

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// adapter errors should not take down the whole app.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	if err := a.publishCommands(); err != nil {
		a.log.Warn("set bot commands failed", logx.Err(err))
	}

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	sup.Go0("votes.drop_report", func(c context.Context) {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				if n := a.droppedVotes.Swap(0); n > 0 {
					a.log.Warn("poll answers not delivered to coordinator", logx.Uint64("count", n))
				}
			}
		}
	})

	// Start blocks until Stop. Restart it if it returns while still running.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telegram poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop never blocks shutdown for long on the getUpdates long poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Int("ballots", a.ballots.len()))
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// SendPoll implements transport.PollSender. The instance id is the Telegram
// poll id and answer ids are option indexes.
func (a *Adapter) SendPoll(ctx context.Context, to transport.Destination, req transport.PollRequest) (transport.SentPoll, error) {
	if len(req.Answers) == 0 || len(req.Answers) > poll.MaxAnswers {
		return transport.SentPoll{}, fmt.Errorf("%w: %d answers", transport.ErrTransport, len(req.Answers))
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return transport.SentPoll{}, fmt.Errorf("%w: %w", transport.ErrTransport, err)
	}

	p := buildPoll(req)
	msg, err := a.send(ctx, &tele.Chat{ID: to.ChatID}, p, &tele.SendOptions{ThreadID: to.ThreadID})
	if err != nil {
		return transport.SentPoll{}, fmt.Errorf("%w: send poll to %d: %w", transport.ErrTransport, to.ChatID, err)
	}
	if msg == nil || msg.Poll == nil || msg.Poll.ID == "" {
		return transport.SentPoll{}, fmt.Errorf("%w: send poll to %d: no poll in reply", transport.ErrTransport, to.ChatID)
	}

	sent := transport.SentPoll{InstanceID: msg.Poll.ID, SentAt: msg.Time().UTC()}
	for i, text := range req.Answers {
		sent.Answers = append(sent.Answers, transport.SentAnswer{Text: text, AnswerID: int64(i)})
	}
	return sent, nil
}

// send returns when ctx is done even if the Bot API call has not. telebot
// requests carry no context; the abandoned call ends at the client timeout.
func (a *Adapter) send(ctx context.Context, to tele.Recipient, what any, opts ...any) (*tele.Message, error) {
	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := a.bot.Send(to, what, opts...)
		done <- result{msg, err}
	}()
	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func buildPoll(req transport.PollRequest) *tele.Poll {
	p := &tele.Poll{
		Type:            tele.PollRegular,
		Question:        req.Question,
		MultipleAnswers: req.Multiselect,
		Anonymous:       false,
	}
	for _, text := range req.Answers {
		p.Options = append(p.Options, tele.PollOption{Text: text})
	}
	if req.Duration >= minOpenPeriod && req.Duration <= maxOpenPeriod {
		p.OpenPeriod = int(req.Duration / time.Second)
	}
	return p
}

// SendLog implements logx.ChatSink.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := a.send(ctx, chat, chunk, &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}); err != nil {
			return fmt.Errorf("%w: %w", transport.ErrTransport, err)
		}
	}
	return nil
}

func (a *Adapter) onPollAnswer(c tele.Context) error {
	pa := c.PollAnswer()
	if pa == nil {
		return nil
	}
	var voter int64
	switch {
	case pa.Sender != nil:
		voter = pa.Sender.ID
	case pa.Chat != nil:
		voter = pa.Chat.ID
	}
	a.deliver(pa.PollID, voter, pa.Options, time.Now())
	return nil
}

// deliver diffs a voter's selection and submits the changes, removals first.
func (a *Adapter) deliver(pollID string, voter int64, options []int, at time.Time) {
	ctx := context.Background()
	if sup := a.Supervisor(); sup != nil {
		ctx = sup.Context()
	}

	bctx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout)
	removed, added, err := a.ballots.diff(bctx, pollID, voter, options)
	cancel()
	if err != nil {
		a.log.Warn("ballot store failed", logx.String("poll", pollID), logx.Int64("voter", voter), logx.Err(err))
	}
	ref := a.sink.Load()
	if ref == nil {
		return
	}
	submit := func(kind poll.VoteKind, option int) {
		ev := transport.VoteEvent{Kind: kind, InstanceID: pollID, AnswerID: int64(option), Voter: voter, At: at}
		sctx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout)
		defer cancel()
		if err := ref.Submit(sctx, ev); err != nil {
			a.droppedVotes.Add(1)
			a.log.Debug("vote not submitted", logx.String("poll", pollID), logx.Err(err))
		}
	}
	for _, o := range removed {
		submit(poll.VoteRemove, o)
	}
	for _, o := range added {
		submit(poll.VoteAdd, o)
	}
}
