package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/okatran/mnemo/internal/config"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message and print the reply",
	Long: `Send a single message through the full chat pipeline.

Examples:
  mnemo chat "what did we decide about the deploy script?"
  mnemo chat how do I rotate the API key`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/messages", map[string]any{"content": content})
		if err != nil {
			return err
		}

		var exchange struct {
			Assistant struct {
				ID      string `json:"id"`
				Content string `json:"content"`
				Sources string `json:"sources"`
			} `json:"assistant"`
		}
		if err := decodeJSON(resp, &exchange); err != nil {
			return err
		}

		fmt.Println(exchange.Assistant.Content)
		if n := sourceCount(exchange.Assistant.Sources); n > 0 {
			printStep("Used %d past conversation(s) as context", n)
		}
		return nil
	},
}

func sourceCount(sources string) int {
	if sources == "" {
		return 0
	}
	var ids []string
	if err := json.Unmarshal([]byte(sources), &ids); err != nil {
		return 0
	}
	return len(ids)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over remembered conversations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/search", map[string]any{
			"query": query,
			"top_k": limit,
		})
		if err != nil {
			return err
		}

		var results []struct {
			ID        string   `json:"id"`
			Query     string   `json:"query"`
			Response  string   `json:"response"`
			Sources   []string `json:"sources"`
			Score     float32  `json:"score"`
			CreatedAt string   `json:"created_at"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range results {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score)
			fmt.Printf("  User: %s\n", truncate(r.Query, 200))
			fmt.Printf("  Assistant: %s\n", truncate(r.Response, 500))
		}
		return nil
	},
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- messages ---

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Manage the message transcript",
}

var messagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/messages?limit=%d", limit))
		if err != nil {
			return err
		}

		var messages []struct {
			ID            string `json:"id"`
			Role          string `json:"role"`
			Content       string `json:"content"`
			CreatedAt     string `json:"created_at"`
			SavedToVector bool   `json:"saved_to_vector"`
		}
		if err := decodeJSON(resp, &messages); err != nil {
			return err
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, m := range messages {
			content := m.Content
			if len(content) > 80 {
				content = content[:80] + "..."
			}
			saved := " "
			if m.SavedToVector {
				saved = "*"
			}
			fmt.Printf("%s %s  %-9s  %s\n",
				saved,
				colorize(colorCyan, m.ID[:8]),
				m.Role,
				content,
			)
		}
		return nil
	},
}

var messagesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/messages/"+args[0])
		if err != nil {
			return err
		}

		var message any
		if err := decodeJSON(resp, &message); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(message)
	},
}

var messagesRememberCmd = &cobra.Command{
	Use:   "remember <id>",
	Short: "Save an assistant message to the vector store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"saved_to_vector": true}
		resp, err := client.patch(cmd.Context(), "/api/messages/"+args[0], body)
		if err != nil {
			return err
		}

		var message struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &message); err != nil {
			return err
		}

		printSuccess("Queued message %s for memory", message.ID)
		return nil
	},
}

var messagesForgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Remove a message from the vector store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"saved_to_vector": false}
		resp, err := client.patch(cmd.Context(), "/api/messages/"+args[0], body)
		if err != nil {
			return err
		}

		var message struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &message); err != nil {
			return err
		}

		printSuccess("Removed message %s from memory", message.ID)
		return nil
	},
}

func init() {
	messagesListCmd.Flags().Int("limit", 20, "maximum number of messages to list")
	messagesCmd.AddCommand(messagesListCmd)
	messagesCmd.AddCommand(messagesShowCmd)
	messagesCmd.AddCommand(messagesRememberCmd)
	messagesCmd.AddCommand(messagesForgetCmd)
}

// --- settings ---

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or update chat settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current chat settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/settings")
		if err != nil {
			return err
		}

		var values map[string]string
		if err := decodeJSON(resp, &values); err != nil {
			return err
		}

		for _, k := range sortedKeys(values) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k), values[k])
		}
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a chat setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]string{key: value}
		resp, err := client.patch(cmd.Context(), "/api/settings", body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

// --- data ---

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Export or purge stored data",
}

var dataExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the transcript as JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var writer *os.File
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		} else {
			writer = os.Stdout
		}

		enc := json.NewEncoder(writer)

		offset := 0
		for {
			resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/messages?limit=100&offset=%d", offset))
			if err != nil {
				return err
			}
			var messages []any
			if err := decodeJSON(resp, &messages); err != nil {
				return err
			}
			if len(messages) == 0 {
				break
			}
			for _, m := range messages {
				record := map[string]any{"type": "message", "data": m}
				enc.Encode(record)
			}
			offset += len(messages)
		}

		if output != "" {
			printSuccess("Data exported to %s", output)
		}
		return nil
	},
}

var dataPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all messages and vectors",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL stored data. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Deleting all messages and vectors...")
		resp, err := client.delete(cmd.Context(), "/api/database")
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("All data purged")
		return nil
	},
}

func init() {
	dataExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	dataPurgeCmd.Flags().Bool("confirm", false, "confirm data purge")
	dataCmd.AddCommand(dataExportCmd)
	dataCmd.AddCommand(dataPurgeCmd)
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show a single configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			if k.Key == args[0] {
				fmt.Println(k.Value)
				return nil
			}
		}
		return fmt.Errorf("unknown config key: %q", args[0])
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the valid configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			fmt.Println(k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configListCmd)
}
