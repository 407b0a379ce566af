package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kalambet/anamnesis/internal/api"
	"github.com/kalambet/anamnesis/internal/profiler"
	"github.com/kalambet/anamnesis/internal/session"
)

var interviewCmd = &cobra.Command{
	Use:   "interview [id]",
	Short: "Run an interview interactively, starting a new session if no id is given",
	Long: `Run an interview interactively.

Without an id a new session is created and the setup fields are asked for
(or taken from --name, --gender, --age, --summary and --seed-file). During the
interview type your answers; the commands /finish, /reset and /quit are
available.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		setup, err := setupFromFlags(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		var id string
		if len(args) == 1 {
			if id, err = resolveID(ctx, client, args[0]); err != nil {
				return err
			}
		} else {
			v, err := createSession(ctx, client, setup)
			if err != nil {
				return err
			}
			id = v.ID
			printSuccess("Created session %s", id)
		}

		r := &repl{
			client:     client,
			id:         id,
			in:         bufio.NewScanner(cmd.InOrStdin()),
			out:        cmd.OutOrStdout(),
			readSecret: terminalSecret,
			preset:     setup,
		}
		return r.run(ctx)
	},
}

func init() {
	addSetupFlags(interviewCmd)
}

// terminalSecret reads a line without echo when stdin is a terminal.
func terminalSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNotTerminal
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var errNotTerminal = errors.New("stdin is not a terminal")

var errQuit = errors.New("quit")

// repl drives one session through its phases over the HTTP API.
type repl struct {
	client     *apiClient
	id         string
	in         *bufio.Scanner
	out        io.Writer
	readSecret func(prompt string) (string, error)
	preset     profiler.Setup
}

func (r *repl) run(ctx context.Context) error {
	defer r.close(ctx)

	for {
		v, err := r.view(ctx)
		if err != nil {
			return err
		}
		switch v.Step {
		case session.StepSetup:
			err = r.setup(ctx, v)
		case session.StepInterview:
			err = r.interview(ctx, v)
		case session.StepResult:
			return r.result(ctx)
		default:
			return fmt.Errorf("unknown step %q", v.Step)
		}
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (r *repl) view(ctx context.Context) (api.SessionView, error) {
	resp, err := r.client.get(ctx, "/sessions/"+r.id)
	if err != nil {
		return api.SessionView{}, err
	}
	var v api.SessionView
	err = decodeJSON(resp, &v)
	return v, err
}

// close flushes the session so nothing typed is lost on exit.
func (r *repl) close(ctx context.Context) {
	resp, err := r.client.post(ctx, "/sessions/"+r.id+"/close", nil)
	if err != nil {
		return
	}
	if err := decodeJSON(resp, nil); err != nil {
		printWarning("closing session: %v", err)
	}
}

// prompt reads one line. It returns errQuit at end of input.
func (r *repl) prompt(label string) (string, error) {
	fmt.Fprint(r.out, colorize(colorBold, label))
	if !r.in.Scan() {
		if err := r.in.Err(); err != nil {
			return "", err
		}
		return "", errQuit
	}
	return strings.TrimSpace(r.in.Text()), nil
}

// promptDefault reads one line, returning def when the answer is empty.
func (r *repl) promptDefault(label, def string) (string, error) {
	if def != "" {
		label = fmt.Sprintf("%s [%s]", label, def)
	}
	v, err := r.prompt(label + ": ")
	if err != nil || v != "" {
		return v, err
	}
	return def, nil
}

func (r *repl) setup(ctx context.Context, v api.SessionView) error {
	printStep("Setup for session %s", r.id)

	name := firstNonEmpty(r.preset.Name, v.Name)
	rough := firstNonEmpty(r.preset.RoughProfile, v.RoughProfile)
	r.preset = profiler.Setup{}

	var err error
	if name, err = r.promptDefault("Character name", name); err != nil {
		return err
	}
	if rough == "" {
		if rough, err = r.prompt("Rough profile (optional): "); err != nil {
			return err
		}
	}

	key, err := r.readSecret("Gemini API key: ")
	if errors.Is(err, errNotTerminal) {
		key, err = r.prompt("Gemini API key: ")
	}
	if err != nil {
		return err
	}

	printStep("Starting the interview...")
	resp, err := r.client.post(ctx, "/sessions/"+r.id+"/setup", profiler.Setup{APIKey: key, Name: name, RoughProfile: rough})
	if err != nil {
		return err
	}
	var tr api.TurnResponse
	if err := decodeJSON(resp, &tr); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError && apiErr.Status != http.StatusUnauthorized {
			// Validation problems: ask again.
			printError("%s", apiErr.Message)
			return nil
		}
		return err
	}
	printAnalysis(r.out, tr.Turn.Analysis)
	printTurn(r.out, "interviewer", tr.Turn.Reply)
	return nil
}

func (r *repl) interview(ctx context.Context, v api.SessionView) error {
	if len(v.Messages) > 0 {
		last := v.Messages[len(v.Messages)-1]
		if last.Role == session.RoleModel {
			printTurn(r.out, "interviewer", last.Content)
		}
	}

	for {
		line, err := r.prompt("you> ")
		if err != nil {
			return err
		}
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return errQuit
		case "/finish":
			return r.post(ctx, "/finish")
		case "/reset":
			printWarning("Transcript cleared; back to setup")
			return r.post(ctx, "/reset")
		}

		resp, err := r.client.post(ctx, "/sessions/"+r.id+"/messages", map[string]string{"text": line})
		if err != nil {
			return err
		}
		var tr api.TurnResponse
		if err := decodeJSON(resp, &tr); err != nil {
			// The answer was not recorded; the user can retry it.
			printError("%v", err)
			continue
		}
		printAnalysis(r.out, tr.Turn.Analysis)
		printTurn(r.out, "interviewer", tr.Turn.Reply)
		if tr.Turn.Finished {
			printStep("The interviewer has enough material. Type /finish to generate the profile.")
		}
	}
}

func (r *repl) post(ctx context.Context, action string) error {
	resp, err := r.client.post(ctx, "/sessions/"+r.id+action, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

func (r *repl) result(ctx context.Context) error {
	printStep("Generating profile...")
	profile, err := fetchResult(ctx, r.client, r.id)
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, profile)
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
