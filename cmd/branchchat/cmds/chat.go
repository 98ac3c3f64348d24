package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/chat"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/render"
	"github.com/go-go-golems/branchchat/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const chatHelp = `Commands:
  <text>             send a message
  /edit N <text>     send a new version of user message N
  /prev N, /next N   show the previous or next version of message N
  /retry             send the failed message again
  /stop              stop the streaming answer (ctrl+c works too)
  /show              print the displayed conversation
  /tree              print all branches
  /load ID           open a stored conversation
  /save PATH         write the conversation as a YAML transcript
  /new               start a new conversation
  /quit              leave
`

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Chat in the terminal, optionally continuing a stored conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := LoadSettings()
			if err != nil {
				return err
			}
			session, err := NewSession(s)
			if err != nil {
				return err
			}

			rawEvents, _ := cmd.Flags().GetBool("raw-events")
			router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rawEvents {
				router.AddHandler("raw", events.DefaultTopic, router.DumpRawEvents(out))
			} else {
				router.AddHandler("printer", events.DefaultTopic, events.PrinterFunc("", out))
			}
			session.OnClose(events.Attach(session.Controller.Store(), router.Publisher, events.DefaultTopic))

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			eg := errgroup.Group{}
			eg.Go(func() error {
				defer cancel()
				return router.Run(ctx)
			})
			eg.Go(func() error {
				defer cancel()
				<-router.Running()
				// the session publishes its last events through the router
				defer session.Close()

				r := &repl{ctrl: session.Controller, out: out, renderer: &render.Renderer{Concise: true}}
				if len(args) == 1 {
					if err := r.ctrl.Load(ctx, args[0]); err != nil {
						return err
					}
				}
				return r.run(ctx, cmd.InOrStdin())
			})

			err = eg.Wait()
			if cerr := router.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("could not close router")
			}
			return err
		},
	}
	cmd.Flags().Bool("raw-events", false, "Print the chat events as JSON")
	return cmd
}

type repl struct {
	ctrl     *chat.Controller
	out      io.Writer
	renderer *render.Renderer
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	_, _ = fmt.Fprint(r.out, chatHelp)

	done := make(chan struct{})
	defer close(done)
	lines := make(chan string)
	var scanErr error
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		scanErr = scanner.Err()
	}()

	for {
		_, _ = fmt.Fprint(r.out, "> ")
		var line string
		select {
		case l, ok := <-lines:
			if !ok {
				// lines is closed after scanErr is set
				return scanErr
			}
			line = l
		case <-ctx.Done():
			return nil
		}
		quit, ex, err := r.handle(ctx, line)
		if err != nil {
			_, _ = fmt.Fprintf(r.out, "error: %v\n", err)
		}
		if ex != nil {
			r.wait(ex, lines)
		}
		if quit || ctx.Err() != nil {
			return nil
		}
	}
}

// wait blocks until ex ends. /stop or an interrupt while waiting stops the exchange.
func (r *repl) wait(ex *chat.Exchange, lines <-chan string) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ex.Done():
			return
		case <-sigCh:
			ex.Cancel()
			lines = nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if strings.TrimSpace(line) == "/stop" {
				// input after /stop belongs to the next prompt
				ex.Cancel()
				lines = nil
				continue
			}
			_, _ = fmt.Fprintln(r.out, "an answer is streaming, /stop or ctrl+c stops it")
		}
	}
}

// handle runs one input line. It returns the exchange the line started, if any.
func (r *repl) handle(ctx context.Context, line string) (bool, *chat.Exchange, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil, nil
	}
	if !strings.HasPrefix(line, "/") {
		ex, err := r.ctrl.Send(ctx, conversation.TextContent(line))
		return false, ex, err
	}

	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch command {
	case "/quit", "/exit":
		return true, nil, nil
	case "/help":
		_, _ = fmt.Fprint(r.out, chatHelp)
	case "/stop":
		r.ctrl.Stop()
	case "/retry":
		ex, err := r.ctrl.Retry(ctx)
		return false, ex, err
	case "/edit":
		n, text, err := parseIndexed(rest)
		if err != nil {
			return false, nil, err
		}
		m, err := r.chainMessage(n)
		if err != nil {
			return false, nil, err
		}
		ex, err := r.ctrl.Edit(ctx, m.ID, conversation.TextContent(text))
		return false, ex, err
	case "/prev", "/next":
		n, _, err := parseIndexed(rest)
		if err != nil {
			return false, nil, err
		}
		m, err := r.chainMessage(n)
		if err != nil {
			return false, nil, err
		}
		delta := 1
		if command == "/prev" {
			delta = -1
		}
		if _, err := r.ctrl.SelectSibling(m.ID, delta); err != nil {
			return false, nil, err
		}
		return false, nil, r.renderer.Chain(r.out, r.ctrl.Store().Snapshot())
	case "/show":
		return false, nil, r.renderer.Chain(r.out, r.ctrl.Store().Snapshot())
	case "/tree":
		return false, nil, r.renderer.Tree(r.out, r.ctrl.Store().Snapshot())
	case "/load":
		if rest == "" {
			return false, nil, errors.New("usage: /load ID")
		}
		return false, nil, r.ctrl.Load(ctx, rest)
	case "/save":
		if rest == "" {
			return false, nil, errors.New("usage: /save PATH")
		}
		st := r.ctrl.Store().Snapshot()
		if err := transcript.SaveFile(rest, transcript.FromState(st, nowFunc())); err != nil {
			return false, nil, err
		}
		_, _ = fmt.Fprintf(r.out, "saved %d messages to %s\n", st.Tree.Len(), rest)
	case "/new":
		return false, nil, r.ctrl.Reset()
	default:
		return false, nil, errors.Errorf("unknown command %s, try /help", command)
	}
	return false, nil, nil
}

// chainMessage returns message n (1-based) of the displayed chain.
func (r *repl) chainMessage(n int) (*conversation.Message, error) {
	chain := r.ctrl.Store().Chain()
	if n < 1 || n > len(chain) {
		return nil, errors.Errorf("no message %d, the conversation has %d", n, len(chain))
	}
	return chain[n-1], nil
}

func parseIndexed(s string) (int, string, error) {
	head, rest, _ := strings.Cut(strings.TrimSpace(s), " ")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0, "", errors.Errorf("expected a message number, got %q", head)
	}
	return n, strings.TrimSpace(rest), nil
}
