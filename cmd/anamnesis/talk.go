package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/anamnesis/internal/api"
	"github.com/kalambet/anamnesis/internal/llm"
	"github.com/kalambet/anamnesis/internal/talk"
)

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "List sessions with a finished profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/personas")
		if err != nil {
			return err
		}
		var personas []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := decodeJSON(resp, &personas); err != nil {
			return err
		}
		if len(personas) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No finished personas yet.")
			return nil
		}
		for _, p := range personas {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", colorize(colorCyan, shortID(p.ID)), p.Name)
		}
		return nil
	},
}

var talkCmd = &cobra.Command{
	Use:   "talk <id>",
	Short: "Chat with a finished persona",
	Long: `Chat with a finished persona. With --message a single reply is printed;
otherwise an interactive chat starts (type /quit to leave). The chat is not saved.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		apiKey, _ := cmd.Flags().GetString("api-key")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := resolveID(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}

		c := &chat{client: client, id: id, apiKey: apiKey}
		if message != "" {
			reply, err := c.send(cmd.Context(), message)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		}
		return c.loop(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	talkCmd.Flags().String("message", "", "send one message and print the reply")
	talkCmd.Flags().String("api-key", "", "model API key (default: the session's key)")
}

// chat keeps the ephemeral history of one conversation with a persona.
type chat struct {
	client  *apiClient
	id      string
	apiKey  string
	history []llm.Turn
}

func (c *chat) send(ctx context.Context, message string) (string, error) {
	resp, err := c.client.post(ctx, "/talk/"+c.id, api.TalkRequest{
		History: c.history,
		Message: message,
		APIKey:  c.apiKey,
	})
	if err != nil {
		return "", err
	}
	var res struct {
		Reply string `json:"reply"`
	}
	if err := decodeJSON(resp, &res); err != nil {
		return "", err
	}
	c.history = append(c.history,
		llm.Turn{Role: llm.RoleUser, Content: message},
		llm.Turn{Role: llm.RoleModel, Content: res.Reply},
	)
	return res.Reply, nil
}

func (c *chat) loop(ctx context.Context, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, colorize(colorBold, "you> "))
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}
		reply, err := c.send(ctx, line)
		if err != nil {
			printError("%v", err)
			continue
		}
		printTurn(out, "persona", reply)
	}
}

var groupCmd = &cobra.Command{
	Use:   "group <id> <id> [id...]",
	Short: "Write a scene in which several personas interact",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		situation, _ := cmd.Flags().GetString("situation")
		theme, _ := cmd.Flags().GetString("theme")
		apiKey, _ := cmd.Flags().GetString("api-key")
		if strings.TrimSpace(situation) == "" || strings.TrimSpace(theme) == "" {
			return fmt.Errorf("--situation and --theme are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		scene := talk.Scene{Situation: situation, Theme: theme, APIKey: apiKey}
		for _, a := range args {
			id, err := resolveID(cmd.Context(), client, a)
			if err != nil {
				return err
			}
			scene.IDs = append(scene.IDs, id)
		}

		printStep("Writing the scene...")
		resp, err := client.post(cmd.Context(), "/group", scene)
		if err != nil {
			return err
		}
		var res struct {
			Script string `json:"script"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Script)
		return nil
	},
}

func init() {
	groupCmd.Flags().String("situation", "", "where and when the scene takes place")
	groupCmd.Flags().String("theme", "", "what the characters talk about")
	groupCmd.Flags().String("api-key", "", "model API key (default: the first persona's key)")
}
