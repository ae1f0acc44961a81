package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tele "gopkg.in/telebot.v4"

	"ctrlbot/internal/task"
	"ctrlbot/pkg/logx"
)

type sent struct {
	op   string
	to   string
	what string
	opts *tele.SendOptions
}

type fakeBot struct {
	mu        sync.Mutex
	calls     []sent
	sendErr   map[string]error // keyed by recipient
	copyErr   error
	deleteErr error
}

func (f *fakeBot) record(s sent) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func optsOf(opts []interface{}) *tele.SendOptions {
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			return so
		}
	}
	return nil
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.record(sent{op: "send", to: to.Recipient(), what: what.(string), opts: optsOf(opts)})
	if err := f.sendErr[to.Recipient()]; err != nil {
		return nil, err
	}
	return &tele.Message{ID: 1}, nil
}

func (f *fakeBot) Copy(to tele.Recipient, msg tele.Editable, opts ...interface{}) (*tele.Message, error) {
	id, chat := msg.MessageSig()
	f.record(sent{op: "copy", to: to.Recipient(), what: id + "@" + tele.ChatID(chat).Recipient(), opts: optsOf(opts)})
	return &tele.Message{ID: 2}, f.copyErr
}

func (f *fakeBot) Delete(msg tele.Editable) error {
	id, chat := msg.MessageSig()
	f.record(sent{op: "delete", to: tele.ChatID(chat).Recipient(), what: id})
	return f.deleteErr
}

func newTestExecutor(bot *fakeBot, notify bool) *Executor {
	return newExecutor(bot, Config{RatePerSec: 1000, NotifyRequester: notify}, logx.Nop())
}

func TestScheduledPostText(t *testing.T) {
	bot := &fakeBot{}
	ex := newTestExecutor(bot, true)
	tk := task.Task{ID: 1, Kind: task.ScheduledPost, Payload: task.Payload{
		ChatID: -1001, UserID: 42, Text: "hello", ParseMode: "HTML", Silent: true,
	}}
	if err := ex.Execute(context.Background(), tk); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(bot.calls) != 2 {
		t.Fatalf("calls=%+v", bot.calls)
	}
	post := bot.calls[0]
	if post.op != "send" || post.to != "-1001" || post.what != "hello" {
		t.Fatalf("unexpected post %+v", post)
	}
	if post.opts == nil || post.opts.ParseMode != tele.ModeHTML || !post.opts.DisableNotification {
		t.Fatalf("send options not applied: %+v", post.opts)
	}
	dm := bot.calls[1]
	if dm.to != "42" || !strings.Contains(dm.what, "sent to channel -1001") {
		t.Fatalf("unexpected requester DM %+v", dm)
	}
}

func TestScheduledPostCopy(t *testing.T) {
	bot := &fakeBot{}
	ex := newTestExecutor(bot, false)
	tk := task.Task{ID: 2, Kind: task.ScheduledPost, Payload: task.Payload{ChatID: -1001, FromChatID: 77, MessageID: 9, UserID: 42}}
	if err := ex.Execute(context.Background(), tk); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(bot.calls) != 1 || bot.calls[0].op != "copy" || bot.calls[0].what != "9@77" || bot.calls[0].to != "-1001" {
		t.Fatalf("calls=%+v", bot.calls)
	}
}

func TestRequesterDMFailureDoesNotFailTask(t *testing.T) {
	bot := &fakeBot{sendErr: map[string]error{"42": errors.New("bot was blocked by the user")}}
	ex := newTestExecutor(bot, true)
	tk := task.Task{ID: 3, Kind: task.ScheduledPost, Payload: task.Payload{ChatID: -1001, UserID: 42, Text: "x"}}
	if err := ex.Execute(context.Background(), tk); err != nil {
		t.Fatalf("DM failure must not fail the task: %v", err)
	}
}

func TestSendFailureIsExecutionError(t *testing.T) {
	bot := &fakeBot{sendErr: map[string]error{"-1001": errors.New("chat not found")}}
	ex := newTestExecutor(bot, true)
	tk := task.Task{ID: 4, Kind: task.ScheduledPost, Payload: task.Payload{ChatID: -1001, UserID: 42, Text: "x"}}
	err := ex.Execute(context.Background(), tk)
	var ee *task.ExecutionError
	if !errors.As(err, &ee) || ee.TaskID != 4 || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("unexpected err %v", err)
	}
	if !task.IsNoRetry(err) {
		t.Fatalf("a missing chat should not be retried: %v", err)
	}
	if len(bot.calls) != 1 {
		t.Fatalf("requester must not be notified of a failed post: %+v", bot.calls)
	}
}

func TestLongPostIsOneMessage(t *testing.T) {
	full := strings.Repeat("a", task.MaxTextLen)
	bot := &fakeBot{sendErr: map[string]error{"-1001": errors.New("telegram: Too Many Requests: retry after 3 (429)")}}
	ex := newTestExecutor(bot, false)
	tk := task.Task{ID: 9, Kind: task.ScheduledPost, Payload: task.Payload{ChatID: -1001, Text: full}}

	if err := ex.Execute(context.Background(), tk); err == nil || task.IsNoRetry(err) {
		t.Fatalf("expected retryable failure, got %v", err)
	}
	bot.mu.Lock()
	bot.sendErr = nil
	bot.mu.Unlock()
	if err := ex.Execute(context.Background(), tk); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(bot.calls) != 2 {
		t.Fatalf("want one send per attempt, got %d", len(bot.calls))
	}
	for _, c := range bot.calls {
		if c.what != full {
			t.Fatalf("post was split: %d runes sent", len([]rune(c.what)))
		}
	}

	over := tk
	over.Payload.Text = full + "!"
	bot.calls = nil
	err := ex.Execute(context.Background(), over)
	if !errors.Is(err, task.ErrInvalidPayload) || !task.IsNoRetry(err) {
		t.Fatalf("expected permanent ErrInvalidPayload, got %v", err)
	}
	if len(bot.calls) != 0 {
		t.Fatalf("oversized post reached the bot: %+v", bot.calls)
	}
}

func TestSelfDestruct(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"deleted", nil, false},
		{"already gone", errors.New("telegram: Bad Request: message to delete not found (400)"), false},
		{"forbidden", errors.New("telegram: Bad Request: message can't be deleted (400)"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bot := &fakeBot{deleteErr: tc.err}
			ex := newTestExecutor(bot, false)
			err := ex.Execute(context.Background(), task.Task{ID: 5, Kind: task.SelfDestruct, Payload: task.Payload{ChatID: -1001, MessageID: 11}})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tc.wantErr)
			}
			if task.IsNoRetry(err) {
				t.Fatalf("delete failures stay retryable: %v", err)
			}
			if len(bot.calls) != 1 || bot.calls[0].op != "delete" || bot.calls[0].what != "11" {
				t.Fatalf("calls=%+v", bot.calls)
			}
		})
	}
}

func TestInvalidTasks(t *testing.T) {
	ex := newTestExecutor(&fakeBot{}, false)
	err := ex.Execute(context.Background(), task.Task{ID: 6, Kind: "reminder", Payload: task.Payload{ChatID: 1}})
	if !errors.Is(err, task.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	err = ex.Execute(context.Background(), task.Task{ID: 7, Kind: task.SelfDestruct, Payload: task.Payload{ChatID: 1}})
	if !errors.Is(err, task.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if !task.IsNoRetry(err) {
		t.Fatalf("invalid payloads are permanent: %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	bot := &fakeBot{}
	ex := newExecutor(bot, Config{RatePerSec: 1}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ex.Execute(ctx, task.Task{ID: 8, Kind: task.ScheduledPost, Payload: task.Payload{ChatID: 1, Text: "x"}})
	if err == nil || len(bot.calls) != 0 {
		t.Fatalf("expected no call on cancelled context: err=%v calls=%d", err, len(bot.calls))
	}
}

func TestSplitText(t *testing.T) {
	long := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	chunks := splitText(long, 40, "")
	if len(chunks) != 2 || chunks[0] != strings.Repeat("a", 30) || chunks[1] != strings.Repeat("b", 30) {
		t.Fatalf("chunks=%q", chunks)
	}
	if got := splitText("short", 40, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("got %q", got)
	}
	html := strings.Repeat("x", 35) + "<b>bold</b>"
	for _, c := range splitText(html, 40, "HTML") {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("tag split across chunks: %q", c)
		}
	}
}
