package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	registerName       string
	registerLanguage   string
	registerCollection string
	registerEnable     bool
)

var registerCmd = &cobra.Command{
	Use:   "register [source-file]",
	Short: "Register a function from a source file (or stdin with -)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegister,
}

func init() {
	registerCmd.Flags().StringVar(&registerName, "name", "", "registry name (default: the declared identifier)")
	registerCmd.Flags().StringVar(&registerLanguage, "language", "", "source language: javascript (default) or lua")
	registerCmd.Flags().StringVar(&registerCollection, "collection", "", "collection ID (default: the function name)")
	registerCmd.Flags().BoolVar(&registerEnable, "enable", false, "enable immediately")
}

func runRegister(_ *cobra.Command, args []string) error {
	var source []byte
	var err error
	if args[0] == "-" {
		source, err = io.ReadAll(os.Stdin)
	} else {
		source, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}

	body := map[string]any{
		"source":  string(source),
		"enabled": registerEnable,
	}
	if registerName != "" {
		body["name"] = registerName
	}
	if registerLanguage != "" {
		body["language"] = registerLanguage
	}
	if registerCollection != "" {
		body["collection_id"] = registerCollection
	}

	data, err := apiRequest(http.MethodPost, "/v1/functions", body)
	if err != nil {
		return err
	}
	return printJSON(data)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered functions",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		data, err := apiRequest(http.MethodGet, "/v1/functions", nil)
		if err != nil {
			return err
		}
		var out struct {
			Functions []struct {
				Name         string `json:"name"`
				Language     string `json:"language"`
				CollectionID string `json:"collection_id"`
				Enabled      bool   `json:"enabled"`
			} `json:"functions"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return printJSON(data)
		}
		if len(out.Functions) == 0 {
			fmt.Println("no functions registered")
			return nil
		}
		for _, fn := range out.Functions {
			mark := " "
			if fn.Enabled {
				mark = "✓"
			}
			lang := fn.Language
			if lang == "" {
				lang = "javascript"
			}
			fmt.Printf("%s %-30s %-10s collection=%s\n", mark, fn.Name, lang, fn.CollectionID)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show one function definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		data, err := apiRequest(http.MethodGet, "/v1/functions/"+args[0], nil)
		if err != nil {
			return err
		}
		return printJSON(data)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a function and every function in its collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		data, err := apiRequest(http.MethodDelete, "/v1/functions/"+args[0], nil)
		if err != nil {
			return err
		}
		return printJSON(data)
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Mark a function callable",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		_, err := apiRequest(http.MethodPost, "/v1/functions/"+args[0]+"/enable", nil)
		if err != nil {
			return err
		}
		fmt.Printf("%s enabled\n", args[0])
		return nil
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Mark a function not callable",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		_, err := apiRequest(http.MethodPost, "/v1/functions/"+args[0]+"/disable", nil)
		if err != nil {
			return err
		}
		fmt.Printf("%s disabled\n", args[0])
		return nil
	},
}
