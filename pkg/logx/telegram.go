package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	telegramMaxText   = 3500
	telegramMaxValue  = 600
	telegramQueueSize = 256
	telegramBatchWait = 2 * time.Second
	telegramSendLimit = 10 * time.Second
)

// telegramSink is a zerolog.LevelWriter that forwards records at or above
// MinLevel to a chat. Lines arriving within telegramBatchWait are joined into
// one message. Writes never block; overflow is dropped.
type telegramSink struct {
	sender Sender
	queue  chan string

	mu       sync.Mutex
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newTelegramSink(sender Sender) *telegramSink {
	return &telegramSink{
		sender:   sender,
		queue:    make(chan string, telegramQueueSize),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		done:     make(chan struct{}),
	}
}

func (t *telegramSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	t.mu.Lock()
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	if t.limiter.Burst() != rps {
		t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	if cfg.ThreadID != 0 {
		t.threadID = cfg.ThreadID
	}
	t.mu.Unlock()
	if cfg.Enabled {
		t.start()
	}
}

func (t *telegramSink) setTarget(chatID int64, threadID int) {
	t.mu.Lock()
	t.chatID = chatID
	if threadID != 0 || chatID == 0 {
		t.threadID = threadID
	}
	t.mu.Unlock()
}

func (t *telegramSink) hasTarget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chatID != 0
}

func (t *telegramSink) start() {
	t.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		go t.run(ctx)
	})
}

func (t *telegramSink) close() {
	t.stopOnce.Do(func() {
		// A closed sink never starts.
		t.startOnce.Do(func() {})
		if t.cancel != nil {
			t.cancel()
			<-t.done
		}
	})
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.NoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	skip := t.chatID == 0 || level < t.minLevel
	t.mu.Unlock()
	if skip {
		return len(p), nil
	}
	if msg := renderRecord(p); msg != "" {
		select {
		case t.queue <- msg:
		default:
		}
	}
	return len(p), nil
}

func (t *telegramSink) run(ctx context.Context) {
	defer close(t.done)
	var batch []string
	var flushAt <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case msg := <-t.queue:
					batch = append(batch, msg)
				default:
					drained = true
				}
			}
			t.flush(batch)
			return
		case msg := <-t.queue:
			batch = append(batch, msg)
			if flushAt == nil {
				flushAt = time.After(telegramBatchWait)
			}
		case <-flushAt:
			t.flush(batch)
			batch, flushAt = nil, nil
		}
	}
}

// flush sends the batch as few messages as the size limit allows. Messages
// beyond the rate limit are dropped rather than delayed.
func (t *telegramSink) flush(batch []string) {
	if len(batch) == 0 {
		return
	}
	t.mu.Lock()
	chatID, threadID, lim := t.chatID, t.threadID, t.limiter
	t.mu.Unlock()
	if chatID == 0 {
		return
	}
	for _, text := range joinLimited(batch, telegramMaxText) {
		if !lim.Allow() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), telegramSendLimit)
		_ = t.sender.SendLog(ctx, chatID, threadID, text)
		cancel()
	}
}

// joinLimited groups lines into chunks no longer than limit.
func joinLimited(lines []string, limit int) []string {
	var out []string
	var b strings.Builder
	for _, l := range lines {
		if b.Len() > 0 && b.Len()+2+len(l) > limit {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(l)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// renderRecord turns one zerolog JSON record into a short text block:
//
//	[WARN] scheduler: task execution failed
//	• attempts=2
//	• err=chat not found
func renderRecord(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, telegramMaxText)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	if comp, _ := m["comp"].(string); comp != "" {
		b.WriteString(comp)
		b.WriteString(": ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName, "comp":
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n• %s=%s", k, clip(fmt.Sprint(m[k]), telegramMaxValue))
	}
	return clip(b.String(), telegramMaxText)
}

// clip shortens s to at most n runes, marking the cut with an ellipsis.
func clip(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
