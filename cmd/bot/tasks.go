package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"ctrlbot/internal/app"
	"ctrlbot/internal/storage"
	"ctrlbot/internal/task"
	"ctrlbot/internal/task/cleanup"
	"ctrlbot/pkg/logx"
	"ctrlbot/pkg/timeparse"
)

const timeHelp = timeparse.Help + "\nA running daemon is woken through its pid file once the task is stored."

var (
	atFlag      string
	chatID      int64
	messageID   int
	fromChatID  int64
	userID      int64
	postText    string
	parseMode   string
	noPreview   bool
	silent      bool
	showAll     bool
	listLimit   int
	statusMatch string

	postFlags = []cli.Flag{
		cli.StringFlag{Name: "at, t", Usage: "when to post (see formats below)", Destination: &atFlag},
		cli.Int64Flag{Name: "chat", Usage: "target channel/chat id", Destination: &chatID},
		cli.StringFlag{Name: "text", Usage: "message text", Destination: &postText},
		cli.Int64Flag{Name: "from-chat", Usage: "copy a message from this chat", Destination: &fromChatID},
		cli.IntFlag{Name: "message-id, m", Usage: "message to copy (with --from-chat)", Destination: &messageID},
		cli.Int64Flag{Name: "user, u", Usage: "requester user id; gets a DM once posted", Destination: &userID},
		cli.StringFlag{Name: "parse-mode", Usage: "HTML, Markdown or MarkdownV2", Destination: &parseMode},
		cli.BoolFlag{Name: "no-preview", Usage: "disable link previews", Destination: &noPreview},
		cli.BoolFlag{Name: "silent, s", Usage: "send without notification", Destination: &silent},
	}

	destructFlags = []cli.Flag{
		cli.StringFlag{Name: "at, t", Usage: "when to delete (see formats below)", Destination: &atFlag},
		cli.Int64Flag{Name: "chat", Usage: "chat holding the message", Destination: &chatID},
		cli.IntFlag{Name: "message-id, m", Usage: "message to delete", Destination: &messageID},
	}

	pendingFlags = []cli.Flag{
		cli.BoolFlag{Name: "all, a", Usage: "include completed and failed tasks", Destination: &showAll},
		cli.StringFlag{Name: "status", Usage: "only tasks with this status (pending, completed, failed)", Destination: &statusMatch},
		cli.IntFlag{Name: "limit, n", Usage: "maximum rows", Value: 50, Destination: &listLimit},
	}
)

// taskEnv is what the task commands need from the config without starting
// the daemon.
type taskEnv struct {
	store   storage.Store
	loc     *time.Location
	pidFile string
}

func (e *taskEnv) Close() { _ = e.store.Close() }

func openStore() (*taskEnv, error) {
	cfg, err := app.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	loc, err := app.Location(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := app.MapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, logx.NewConsole("WARN"))
	if err != nil {
		return nil, err
	}
	return &taskEnv{store: st, loc: loc, pidFile: app.PIDFilePath(cfg)}, nil
}

func post(_ *cli.Context) error {
	return schedule(task.ScheduledPost, task.Payload{
		ChatID:         chatID,
		MessageID:      messageID,
		FromChatID:     fromChatID,
		UserID:         userID,
		Text:           postText,
		ParseMode:      parseMode,
		DisablePreview: noPreview,
		Silent:         silent,
	})
}

func destruct(_ *cli.Context) error {
	return schedule(task.SelfDestruct, task.Payload{ChatID: chatID, MessageID: messageID})
}

func schedule(kind task.Kind, p task.Payload) error {
	if err := p.Validate(kind); err != nil {
		return err
	}
	env, err := openStore()
	if err != nil {
		return err
	}
	defer env.Close()

	due, err := timeparse.Parse(atFlag, time.Now().In(env.loc))
	if err != nil {
		return fmt.Errorf("%w\n\n%s", err, timeparse.Help)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := env.store.Schedule(ctx, kind, due, p)
	if err != nil {
		return err
	}
	fmt.Printf("Scheduled %s #%d for %s\n", kind, id, timeparse.Format(due))
	if _, err := wakeDaemon(env.pidFile); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not notify the daemon: %v\n", err)
		fmt.Fprintln(os.Stderr, "The task is stored; a running daemon finds it at its next check or on SIGHUP.")
	}
	return nil
}

func pending(_ *cli.Context) error {
	env, err := openStore()
	if err != nil {
		return err
	}
	defer env.Close()

	f := storage.ListFilter{Status: task.Pending, Limit: listLimit}
	switch {
	case strings.TrimSpace(statusMatch) != "":
		f.Status = task.Status(strings.ToLower(strings.TrimSpace(statusMatch)))
	case showAll:
		f.Status = ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tasks, err := env.store.List(ctx, f)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tDUE\tSTATUS\tATTEMPTS\tCHAT\tLAST ERROR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
			t.ID, t.Kind, timeparse.Format(t.DueAt.In(env.loc)), t.Status, t.Attempts, t.Payload.ChatID, truncate(t.LastError, 60))
	}
	return w.Flush()
}

func purge(_ *cli.Context) error {
	cfg, err := app.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	retention, err := cfg.Cleanup.RetentionDuration()
	if err != nil {
		return err
	}
	env, err := openStore()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := cleanup.New(cleanup.Config{Retention: retention}, env.store, logx.NewConsole("INFO")).RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d finished task(s)\n", n)
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
