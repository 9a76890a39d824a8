package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/bhandras/gatewaykit/internal/controller"
	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/bhandras/gatewaykit/internal/ledger"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errQuit = errors.New("quit")

const chatHelp = `commands:
  /switch <key>         switch session
  /new [key]            create a session and switch to it
  /rename <key> <name>  set a local name for a session
  /pin <key>            pin or unpin a session
  /sessions             list sessions
  /history              print the current transcript
  /refresh              reload the transcript from the gateway
  /retry                retry a missing-response check
  /dismiss <banner>     clear a banner (send, sync, recovery, diagnostic)
  /quit                 exit
anything else is sent as a message
`

func newChatCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, flags)
		},
	}
}

func runChat(cmd *cobra.Command, flags *globalFlags) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if err := connect(ctx, a); err != nil {
		// Messages typed while offline wait in the outbox.
		fmt.Fprintf(out, "! %v\n", err)
	}
	fmt.Fprintln(out, "type /help for commands")

	lines := readLines(ctx, cmd.InOrStdin())
	updates, unsub := latestSnapshots(a.Controller)
	defer unsub()

	r := newRenderer(out)
	r.render(a.Controller.Snapshot())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-updates:
				r.render(s)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := handleLine(ctx, a.Controller, r, line); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// readLines feeds stdin lines into the returned channel and closes it at
// EOF. The reader goroutine may outlive ctx while blocked on input.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// parseCommand splits a slash command. ok is false for plain messages.
func parseCommand(line string) (name string, args []string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", nil, false
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func handleLine(ctx context.Context, ctrl *controller.Controller, r *renderer, line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	name, args, ok := parseCommand(line)
	if !ok {
		if _, err := ctrl.SendMessage(ctx, line); err != nil {
			r.printf("! %v\n", err)
		}
		return nil
	}

	var err error
	switch name {
	case "quit", "exit", "q":
		return errQuit
	case "help", "?":
		r.printf("%s", chatHelp)
	case "switch":
		if len(args) != 1 {
			r.printf("usage: /switch <key>\n")
			return nil
		}
		err = ctrl.SwitchSession(ctx, args[0])
	case "new":
		key := ""
		if len(args) > 0 {
			key = args[0]
		}
		var created string
		created, err = ctrl.CreateSession(ctx, key)
		if err == nil {
			r.printf("created %s\n", created)
		}
	case "rename":
		if len(args) < 1 {
			r.printf("usage: /rename <key> <name>\n")
			return nil
		}
		err = ctrl.RenameSession(ctx, args[0], strings.Join(args[1:], " "))
	case "pin":
		if len(args) != 1 {
			r.printf("usage: /pin <key>\n")
			return nil
		}
		err = ctrl.TogglePinned(ctx, args[0])
	case "sessions":
		r.printf("%s", formatSessions(ctrl.Snapshot().Sessions))
	case "history":
		r.printf("%s", formatTurns(ctrl.Snapshot().Turns))
	case "refresh":
		err = ctrl.RefreshHistory(ctx)
		if err == nil {
			r.printf("%s", formatTurns(ctrl.Snapshot().Turns))
		}
	case "retry":
		err = ctrl.RetryRecovery(ctx)
	case "dismiss":
		if len(args) != 1 {
			r.printf("usage: /dismiss <send|sync|recovery|diagnostic>\n")
			return nil
		}
		err = ctrl.DismissBanner(ctx, args[0])
	default:
		r.printf("unknown command /%s (try /help)\n", name)
	}
	if err != nil {
		r.printf("! %v\n", err)
	}
	return nil
}

// renderer prints what changed between snapshots: connection state,
// finished replies and new banners.
type renderer struct {
	mu  sync.Mutex
	out io.Writer

	conn    gateway.ConnectionState
	session string
	seeded  bool
	printed map[string]bool
	banners map[string]bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:     out,
		printed: make(map[string]bool),
		banners: make(map[string]bool),
	}
}

func (r *renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// replyKey identifies a finished exchange across history rebuilds, which
// replace local turn ids.
func replyKey(t ledger.Turn) string {
	return t.UserText + "\x00" + t.AssistantText + "\x00" + string(t.State)
}

func (r *renderer) render(s controller.Snapshot) {
	if s.ConnectionState != r.conn {
		r.conn = s.ConnectionState
		r.printf("[%s]\n", s.ConnectionState)
	}
	if s.SessionKey != r.session {
		r.session = s.SessionKey
		r.seeded = false
		r.printed = make(map[string]bool)
		r.printf("[session %s]\n", s.SessionKey)
	}

	if !r.seeded {
		if s.IsSessionHistoryLoading {
			return
		}
		r.seeded = true
		for _, t := range s.Turns {
			if t.State.IsTerminal() {
				r.printed[replyKey(t)] = true
				r.printf("%s", formatTurn(t))
			}
		}
	}

	for _, t := range s.Turns {
		if !t.State.IsTerminal() || r.printed[replyKey(t)] {
			continue
		}
		r.printed[replyKey(t)] = true
		r.printf("%s", strings.TrimPrefix(formatTurn(t), "you: "+t.UserText+"\n"))
	}

	current := make(map[string]bool)
	for _, b := range formatBanners(s) {
		current[b] = true
		if !r.banners[b] {
			r.printf("%s\n", b)
		}
	}
	r.banners = current
}
