package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/kristerhedfors/funcall/pkg/auth"
)

var schemasCmd = &cobra.Command{
	Use:   "schemas",
	Short: "Show the model-facing tool declarations",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		data, err := apiRequest(http.MethodGet, "/v1/tools", nil)
		if err != nil {
			return err
		}
		return printJSON(data)
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <name> [arguments-json]",
	Short: "Run one tool call and print its result",
	Long: `Run one tool call and print its result.

The arguments default to {} when omitted. The call goes through the full
dispatch path, so the named function must be enabled.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runExec,
}

func runExec(_ *cobra.Command, args []string) error {
	arguments := "{}"
	if len(args) == 2 {
		arguments = args[1]
	}

	data, err := apiRequest(http.MethodPost, "/v1/dispatch", map[string]any{
		"tool_calls": []map[string]any{{
			"id":   "cli-1",
			"type": "function",
			"function": map[string]any{
				"name":      args[0],
				"arguments": arguments,
			},
		}},
	})
	if err != nil {
		return err
	}

	var out struct {
		Results []struct {
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(data, &out); err != nil || len(out.Results) == 0 {
		return printJSON(data)
	}
	return printJSON([]byte(out.Results[0].Content))
}

var keygenKind string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API or connector key locally",
	Long: `Generate an API or connector key locally.

Prints the plaintext key once, plus the Argon2id hash to configure on the
server (FUNCALL_API_KEY_HASH or FUNCALL_CONNECTOR_KEY_HASH).`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		var gen *auth.GeneratedKey
		var err error
		var envVar string
		switch keygenKind {
		case "api":
			gen, err = auth.GenerateAPIKey()
			envVar = "FUNCALL_API_KEY_HASH"
		case "connector":
			gen, err = auth.GenerateConnectorKey()
			envVar = "FUNCALL_CONNECTOR_KEY_HASH"
		default:
			return fmt.Errorf("unknown key kind %q: use api or connector", keygenKind)
		}
		if err != nil {
			return err
		}
		fmt.Println("# SAVE THIS KEY NOW — it will NOT be shown again.")
		fmt.Printf("key:  %s\n", gen.Key)
		fmt.Printf("%s='%s'\n", envVar, gen.Hash)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenKind, "kind", "api", "key kind: api or connector")
}
