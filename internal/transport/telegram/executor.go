package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"ctrlbot/internal/task"
	"ctrlbot/pkg/logx"
)

type Config struct {
	Token string
	// RatePerSec caps Bot API calls; Telegram allows roughly 30/s per bot.
	RatePerSec int
	// NotifyRequester sends the requester a DM after a scheduled post went out.
	NotifyRequester bool
	// APIURL overrides the Bot API endpoint (local bot API servers).
	APIURL string
}

// botAPI is the subset of *tele.Bot the executor uses.
type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Copy(to tele.Recipient, msg tele.Editable, opts ...interface{}) (*tele.Message, error)
	Delete(msg tele.Editable) error
}

type Executor struct {
	bot     botAPI
	limiter *rate.Limiter
	notify  bool
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Executor, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return newExecutor(b, cfg, log), nil
}

func newExecutor(bot botAPI, cfg Config, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Executor{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		notify:  cfg.NotifyRequester,
		log:     log,
	}
}

// Execute performs the task's side effect. Failures come back as *task.ExecutionError.
func (e *Executor) Execute(ctx context.Context, t task.Task) error {
	var err error
	switch t.Kind {
	case task.ScheduledPost:
		err = e.post(ctx, t)
	case task.SelfDestruct:
		err = e.destruct(ctx, t)
	default:
		err = fmt.Errorf("%w: %q", task.ErrUnknownKind, t.Kind)
	}
	if err != nil {
		if permanent(err) {
			err = task.NoRetry(err)
		}
		return &task.ExecutionError{TaskID: t.ID, Kind: t.Kind, Err: err}
	}
	return nil
}

func (e *Executor) post(ctx context.Context, t task.Task) error {
	p := t.Payload
	if err := p.Validate(task.ScheduledPost); err != nil {
		return err
	}
	opts := &tele.SendOptions{
		ParseMode:             tele.ParseMode(p.ParseMode),
		DisableWebPagePreview: p.DisablePreview,
		DisableNotification:   p.Silent,
	}

	if p.FromChatID != 0 && p.MessageID != 0 {
		if err := e.wait(ctx); err != nil {
			return err
		}
		src := tele.StoredMessage{MessageID: strconv.Itoa(p.MessageID), ChatID: p.FromChatID}
		if _, err := e.bot.Copy(tele.ChatID(p.ChatID), src, opts); err != nil {
			return fmt.Errorf("copy message %d from %d: %w", p.MessageID, p.FromChatID, err)
		}
	} else {
		if err := e.wait(ctx); err != nil {
			return err
		}
		if _, err := e.bot.Send(tele.ChatID(p.ChatID), p.Text, opts); err != nil {
			return fmt.Errorf("send to %d: %w", p.ChatID, err)
		}
	}

	if e.notify && p.UserID != 0 {
		e.notifyRequester(ctx, t)
	}
	return nil
}

// notifyRequester is best-effort; a failed DM never fails the task.
func (e *Executor) notifyRequester(ctx context.Context, t task.Task) {
	text := fmt.Sprintf("✅ Your scheduled post has been sent to channel %d", t.Payload.ChatID)
	if err := e.wait(ctx); err != nil {
		return
	}
	if _, err := e.bot.Send(tele.ChatID(t.Payload.UserID), text); err != nil {
		e.log.Debug("requester notification failed", logx.Int64("task_id", int64(t.ID)), logx.Int64("user_id", t.Payload.UserID), logx.Err(err))
	}
}

func (e *Executor) destruct(ctx context.Context, t task.Task) error {
	p := t.Payload
	if err := p.Validate(task.SelfDestruct); err != nil {
		return err
	}
	if err := e.wait(ctx); err != nil {
		return err
	}
	msg := tele.StoredMessage{MessageID: strconv.Itoa(p.MessageID), ChatID: p.ChatID}
	if err := e.bot.Delete(msg); err != nil {
		if alreadyGone(err) {
			e.log.Info("message already deleted", logx.Int64("task_id", int64(t.ID)), logx.Int("message_id", p.MessageID))
			return nil
		}
		return fmt.Errorf("delete message %d in %d: %w", p.MessageID, p.ChatID, err)
	}
	return nil
}

// SendText sends a plain notification (owner alerts).
func (e *Executor) SendText(ctx context.Context, chatID int64, threadID int, text string) error {
	for _, chunk := range splitText(text, textLimit, "") {
		if err := e.wait(ctx); err != nil {
			return err
		}
		if _, err := e.bot.Send(tele.ChatID(chatID), chunk, &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// SendLog implements logx.Sender.
func (e *Executor) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	return e.SendText(ctx, chatID, threadID, text)
}

func (e *Executor) wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	wctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return e.limiter.Wait(wctx)
}

// permanent reports failures a retry cannot fix.
func permanent(err error) bool {
	if errors.Is(err, task.ErrInvalidPayload) || errors.Is(err, task.ErrUnknownKind) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "chat not found") || strings.Contains(s, "message to copy not found")
}

func alreadyGone(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "message to delete not found")
}
