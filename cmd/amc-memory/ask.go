package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	askServer string
	askPlayer string
)

func init() {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Route questions through a running server and print the context bundle",
		Long:  "With a question argument, routes it once. Without one, reads questions from stdin until 'exit'.",
		RunE:  runAsk,
	}
	cmd.Flags().StringVar(&askServer, "server", "http://localhost:8080", "amc-memory server URL")
	cmd.Flags().StringVar(&askPlayer, "player", "", "Player id whose memories to include")
	rootCmd.AddCommand(cmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return ask(askServer, askPlayer, strings.Join(args, " "))
	}

	fmt.Printf("amc-memory ask | server: %s\n", askServer)
	fmt.Println("Type 'exit' or 'quit' to leave. Commands: /stats, /status")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "/stats":
			printGet(askServer + "/api/stats")
			continue
		case "/status":
			printGet(askServer + "/api/gateway/status")
			continue
		}
		if err := ask(askServer, askPlayer, input); err != nil {
			printError("%v", err)
		}
	}
}

func ask(server, player, text string) error {
	body, _ := json.Marshal(map[string]string{"text": text, "player_id": player})
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(server+"/api/route", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out struct {
		Decision string   `json:"decision"`
		Tokens   int      `json:"tokens"`
		Dropped  int      `json:"dropped"`
		Failures []string `json:"failures"`
		Prompt   string   `json:"prompt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	fmt.Printf("\033[36m[%s]\033[0m %d tokens, %d dropped\n", out.Decision, out.Tokens, out.Dropped)
	for _, f := range out.Failures {
		printError("  failed: %s", f)
	}
	fmt.Println(out.Prompt)
	return nil
}

func printGet(url string) {
	resp, err := http.Get(url)
	if err != nil {
		printError("request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
		return
	}
	fmt.Println(string(data))
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
