package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/kalambet/anamnesis/internal/api"
	"github.com/kalambet/anamnesis/internal/config"
	"github.com/kalambet/anamnesis/internal/profiler"
	"github.com/kalambet/anamnesis/internal/seed"
	"github.com/kalambet/anamnesis/internal/session"
)

// resolveID expands a unique id prefix against the session index.
func resolveID(ctx context.Context, c *apiClient, prefix string) (string, error) {
	resp, err := c.get(ctx, "/sessions")
	if err != nil {
		return "", err
	}
	var list []session.Metadata
	if err := decodeJSON(resp, &list); err != nil {
		return "", err
	}

	var matches []string
	for _, m := range list {
		if m.ID == prefix {
			return m.ID, nil
		}
		if strings.HasPrefix(m.ID, prefix) {
			matches = append(matches, m.ID)
		}
	}
	switch len(matches) {
	case 0:
		// Not in the index yet (unsaved); let the server decide.
		return prefix, nil
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("id prefix %q is ambiguous (%d sessions)", prefix, len(matches))
	}
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "Manage profiling sessions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListCmd.RunE(cmd, args)
	},
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listSessions(cmd.Context(), client, cmd.OutOrStdout())
	},
}

func listSessions(ctx context.Context, c *apiClient, w io.Writer) error {
	resp, err := c.get(ctx, "/sessions")
	if err != nil {
		return err
	}
	var list []session.Metadata
	if err := decodeJSON(resp, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No sessions yet. Start one with `anamnesis interview`.")
		return nil
	}
	for _, m := range list {
		fmt.Fprintf(w, "%s  %s  %s\n", colorize(colorCyan, shortID(m.ID)), formatUpdated(m.UpdatedAt), m.Name)
	}
	return nil
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := resolveID(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/sessions/"+id)
		if err != nil {
			return err
		}
		var v api.SessionView
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}
		return writeIndentedJSON(cmd.OutOrStdout(), v)
	},
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a session with draft setup fields",
	RunE: func(cmd *cobra.Command, args []string) error {
		setup, err := setupFromFlags(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		v, err := createSession(cmd.Context(), client, setup)
		if err != nil {
			return err
		}
		printSuccess("Created session %s", v.ID)
		return nil
	},
}

func createSession(ctx context.Context, c *apiClient, setup profiler.Setup) (api.SessionView, error) {
	resp, err := c.post(ctx, "/sessions", setup)
	if err != nil {
		return api.SessionView{}, err
	}
	var v api.SessionView
	err = decodeJSON(resp, &v)
	return v, err
}

// setupFromFlags builds draft setup fields from --name, --gender, --age,
// --summary and --seed-file. The seed file replaces --summary.
func setupFromFlags(cmd *cobra.Command) (profiler.Setup, error) {
	name, _ := cmd.Flags().GetString("name")
	gender, _ := cmd.Flags().GetString("gender")
	age, _ := cmd.Flags().GetString("age")
	summary, _ := cmd.Flags().GetString("summary")
	seedFile, _ := cmd.Flags().GetString("seed-file")

	if seedFile != "" {
		text, err := seed.ReadFile(seedFile)
		if err != nil {
			return profiler.Setup{}, err
		}
		summary = text
	}
	return profiler.Setup{
		Name:         name,
		RoughProfile: seed.Compose(seed.Rough{Gender: gender, Age: age, Summary: summary}),
	}, nil
}

func addSetupFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "character name")
	cmd.Flags().String("gender", "", "character gender")
	cmd.Flags().String("age", "", "character age")
	cmd.Flags().String("summary", "", "rough character summary")
	cmd.Flags().String("seed-file", "", "read the summary from a .txt, .md or .pdf file")
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := resolveID(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/sessions/"+id)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted session %s", id)
		return nil
	},
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a full session, hidden turns included",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := resolveID(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/sessions/"+id+"/export?format="+url.QueryEscape(format))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return readAPIError(resp)
		}

		w := cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Session exported to %s", output)
		}
		return nil
	},
}

func init() {
	addSetupFlags(sessionsNewCmd)
	sessionsExportCmd.Flags().String("format", "json", "json or yaml")
	sessionsExportCmd.Flags().String("output", "", "output file path (default: stdout)")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsNewCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsExportCmd)
}

// --- result ---

var resultCmd = &cobra.Command{
	Use:   "result <id>",
	Short: "Print the final profile of a finished session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		copyOut, _ := cmd.Flags().GetBool("copy")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := resolveID(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printStep("Generating profile (this may take a while the first time)...")
		profile, err := fetchResult(cmd.Context(), client, id)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), profile)

		if copyOut {
			if err := clipboard.WriteAll(profile); err != nil {
				printWarning("could not copy to clipboard: %v", err)
			} else {
				printSuccess("Copied to clipboard")
			}
		}
		return nil
	},
}

func fetchResult(ctx context.Context, c *apiClient, id string) (string, error) {
	resp, err := c.get(ctx, "/sessions/"+id+"/result")
	if err != nil {
		return "", err
	}
	var res struct {
		Profile string `json:"profile"`
	}
	if err := decodeJSON(resp, &res); err != nil {
		return "", err
	}
	return res.Profile, nil
}

func init() {
	resultCmd.Flags().Bool("copy", false, "copy the profile to the clipboard")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", ") +
		".\nllm.api_key is stored in the platform secret store.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if key == "llm.api_key" {
			printSuccess("Stored %s in the secret store", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
