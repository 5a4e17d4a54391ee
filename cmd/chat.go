package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"omnillm/internal/models"
	"omnillm/internal/provider"
	"omnillm/internal/router"
)

const replPrompt = "you> "

const chatHelp = `Commands:
  /model <provider[:model]>  switch the target provider
  /system [text]             set or clear the system prompt
  /reset                     forget the conversation
  /quit, /exit               leave`

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		system string
		prompt string
	)

	cmd := &cobra.Command{
		Use:   "chat <provider[:model]>",
		Short: "Chat with a provider (interactive unless -p is given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			session := &chatSession{router: router.New(a.registry), system: system}
			if err := session.setSelector(args[0]); err != nil {
				return err
			}

			if p := strings.TrimSpace(prompt); p != "" {
				text, err := session.Send(cmd.Context(), p)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
				return err
			}

			return runChatREPL(cmd.Context(), session, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&system, "system", "s", "", "system prompt")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "send one message and exit")

	return cmd
}

// chatSession keeps the running conversation for one target provider.
type chatSession struct {
	router   *router.Router
	selector string
	system   string
	history  []models.Message
}

func (s *chatSession) setSelector(raw string) error {
	h, sel, err := s.router.Resolve(raw)
	if err != nil {
		return err
	}
	if !h.Supports(provider.CapabilityChat) {
		return fmt.Errorf("provider %q does not support chat", sel.Provider)
	}
	s.selector = sel.String()
	return nil
}

// Send issues one user turn. The conversation only grows when the call succeeds.
func (s *chatSession) Send(ctx context.Context, text string) (string, error) {
	msgs := make([]models.Message, 0, len(s.history)+2)
	if s.system != "" {
		msgs = append(msgs, models.SystemText(s.system))
	}
	msgs = append(msgs, s.history...)
	msgs = append(msgs, models.UserText(text))

	req, err := models.NewChatRequest(msgs, models.RequestOptions{})
	if err != nil {
		return "", err
	}
	resp, _, err := s.router.Chat(ctx, s.selector, req)
	if err != nil {
		return "", err
	}

	reply := resp.TextOrEmpty()
	s.history = append(s.history, models.UserText(text))
	if reply != "" {
		s.history = append(s.history, models.AssistantText(reply))
	}
	return reply, nil
}

// command applies a slash command. It reports whether the session should end
// and a line to show the user.
func (s *chatSession) command(line string) (bool, string, error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return false, "", fmt.Errorf("parse command: %w", err)
	}
	if len(tokens) == 0 {
		return false, "", nil
	}

	switch strings.ToLower(tokens[0]) {
	case "/quit", "/exit":
		return true, "", nil
	case "/reset":
		s.history = nil
		return false, "conversation cleared", nil
	case "/model":
		if len(tokens) < 2 {
			return false, "current target: " + s.selector, nil
		}
		if err := s.setSelector(tokens[1]); err != nil {
			return false, "", err
		}
		return false, "switched to " + s.selector, nil
	case "/system":
		s.system = strings.Join(tokens[1:], " ")
		if s.system == "" {
			return false, "system prompt cleared", nil
		}
		return false, "system prompt set", nil
	case "/help":
		return false, chatHelp, nil
	default:
		return false, "", fmt.Errorf("unknown command %s (try /help)", tokens[0])
	}
}

type chatChannel interface {
	Read() (string, error)
	Write(text string) error
	WriteMeta(text string) error
}

type readlineChannel struct {
	rl  *readline.Instance
	out io.Writer
}

func newReadlineChannel(in io.Reader, out io.Writer) (*readlineChannel, error) {
	inFile, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(inFile.Fd())) {
		return nil, errors.New("stdin is not a terminal")
	}
	outFile, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(outFile.Fd())) {
		return nil, errors.New("stdout is not a terminal")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          replPrompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".omnillm_history"),
		HistoryLimit:    200,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           inFile,
		Stdout:          out,
		Stderr:          out,
	})
	if err != nil {
		return nil, err
	}
	return &readlineChannel{rl: rl, out: out}, nil
}

func (c *readlineChannel) Read() (string, error) {
	line, err := c.rl.Readline()
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", err
	}
	return line, nil
}

func (c *readlineChannel) Write(text string) error {
	_, err := fmt.Fprintf(c.out, "assistant> %s\n\n", text)
	return err
}

func (c *readlineChannel) WriteMeta(text string) error {
	_, err := fmt.Fprintln(c.out, text)
	return err
}

func (c *readlineChannel) Close() error {
	return c.rl.Close()
}

type stdioChannel struct {
	in  *bufio.Reader
	out io.Writer
}

func (c *stdioChannel) Read() (string, error) {
	if _, err := fmt.Fprint(c.out, replPrompt); err != nil {
		return "", err
	}
	line, err := c.in.ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", err
	}
	return line, nil
}

func (c *stdioChannel) Write(text string) error {
	_, err := fmt.Fprintf(c.out, "assistant> %s\n\n", text)
	return err
}

func (c *stdioChannel) WriteMeta(text string) error {
	_, err := fmt.Fprintln(c.out, text)
	return err
}

func runChatREPL(ctx context.Context, session *chatSession, in io.Reader, out io.Writer) error {
	var channel chatChannel
	if rl, err := newReadlineChannel(in, out); err == nil {
		defer rl.Close()
		channel = rl
	} else {
		channel = &stdioChannel{in: bufio.NewReader(in), out: out}
	}
	return runChatLoop(ctx, session, channel)
}

func runChatLoop(ctx context.Context, session *chatSession, channel chatChannel) error {
	if err := channel.WriteMeta(fmt.Sprintf("Chatting with %s. Type /help for commands, /quit to stop.", session.selector)); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := channel.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		input := strings.TrimSpace(raw)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, msg, err := session.command(input)
			if err != nil {
				msg = fmt.Sprintf("error: %v", err)
			}
			if quit {
				return nil
			}
			if msg != "" {
				if err := channel.WriteMeta(msg); err != nil {
					return err
				}
			}
			continue
		}

		reply, err := session.Send(ctx, input)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if writeErr := channel.WriteMeta(fmt.Sprintf("error: %v", err)); writeErr != nil {
				return writeErr
			}
			continue
		}
		if err := channel.Write(reply); err != nil {
			return err
		}
	}
}
