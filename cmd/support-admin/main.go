// ABOUTME: Admin CLI for support-gateway queue inspection and cleanup
// ABOUTME: Talks to the HTTP API with a CSM JWT token

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
)

const banner = `
                                            _                _           _
  ___ _   _ _ __  _ __   ___  _ __| |_      __ _  __| |_ __ ___ (_)_ __
 / __| | | | '_ \| '_ \ / _ \| '__| __|____ / _' |/ _' | '_ ' _ \| | '_ \
 \__ \ |_| | |_) | |_) | (_) | |  | ||_____| (_| | (_| | | | | | | | | | |
 |___/\__,_| .__/| .__/ \___/|_|   \__|     \__,_|\__,_|_| |_| |_|_|_| |_|
           |_|   |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("MYROXAS_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	token := getToken()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(baseURL)
	case "queue":
		err = cmdQueue(baseURL, token)
	case "watch":
		err = cmdWatch(baseURL, token)
	case "delete":
		err = cmdDelete(baseURL, token, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: support-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status          Check gateway health")
	fmt.Println("  queue           List waiting conversations in queue order")
	fmt.Println("  watch           Stream queue events until interrupted")
	fmt.Println("  delete <id>     Hard-delete a conversation and its channel")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  MYROXAS_GATEWAY_URL   Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  MYROXAS_TOKEN         CSM JWT token (required for queue/watch/delete)")
	fmt.Println()
}

func getToken() string {
	if token := os.Getenv("MYROXAS_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	tokenPath := filepath.Join(configDir, "myroxas", "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

func doRequest(method, url, token string) (*http.Response, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

// apiError decodes the structured error body from a failed response.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var parsed struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Kind != "" {
		return fmt.Errorf("%s: %s", parsed.Error.Kind, parsed.Error.Message)
	}

	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func cmdStatus(baseURL string) error {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	resp, err := doRequest(http.MethodGet, baseURL+"/healthz/ready", "")
	if err != nil {
		yellow.Printf("  Gateway:  ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		yellow.Printf("  Gateway:  ")
		color.Red("NOT READY (status %d)\n", resp.StatusCode)
		return nil
	}

	green.Printf("  Gateway:  ")
	fmt.Printf("ready at %s\n", baseURL)
	return nil
}

func cmdQueue(baseURL, token string) error {
	if token == "" {
		return fmt.Errorf("MYROXAS_TOKEN is required")
	}

	resp, err := doRequest(http.MethodGet, baseURL+"/api/support/queue", token)
	if err != nil {
		return fmt.Errorf("fetching queue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var result struct {
		Items []struct {
			Position       int       `json:"position"`
			ConversationID string    `json:"conversation_id"`
			CitizenID      string    `json:"citizen_id"`
			Subject        string    `json:"subject"`
			Priority       int       `json:"priority"`
			WaitingSince   time.Time `json:"waiting_since"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(result.Items) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tCONVERSATION\tCITIZEN\tPRI\tWAITING\tSUBJECT")
	for _, item := range result.Items {
		waiting := time.Since(item.WaitingSince).Round(time.Second)
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
			item.Position, item.ConversationID, item.CitizenID,
			item.Priority, waiting, item.Subject)
	}
	return w.Flush()
}

func cmdWatch(baseURL, token string) error {
	if token == "" {
		return fmt.Errorf("MYROXAS_TOKEN is required")
	}

	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/api/support/queue/feed"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return apiError(resp)
		}
		return fmt.Errorf("connecting to feed: %w", err)
	}
	defer conn.Close()

	// Close the connection on Ctrl-C so ReadJSON unblocks.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.Close()
	}()

	color.HiBlack("watching queue events (Ctrl-C to stop)")

	for {
		var event struct {
			Type           string    `json:"type"`
			ConversationID string    `json:"conversation_id"`
			Subject        string    `json:"subject"`
			Priority       int       `json:"priority"`
			AgentID        *string   `json:"agent_id"`
			At             time.Time `json:"at"`
		}
		if err := conn.ReadJSON(&event); err != nil {
			return nil
		}

		line := fmt.Sprintf("%s  %-9s %s", event.At.Format("15:04:05"), event.Type, event.ConversationID)
		if event.AgentID != nil {
			line += "  agent=" + *event.AgentID
		}
		if event.Subject != "" {
			line += "  " + event.Subject
		}

		switch event.Type {
		case "waiting":
			color.Yellow("%s", line)
		case "assigned":
			color.Green("%s", line)
		case "resolved", "closed":
			color.Cyan("%s", line)
		default:
			fmt.Println(line)
		}
	}
}

func cmdDelete(baseURL, token string, args []string) error {
	if token == "" {
		return fmt.Errorf("MYROXAS_TOKEN is required")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: support-admin delete <conversation-id>")
	}
	conversationID := args[0]

	resp, err := doRequest(http.MethodDelete, baseURL+"/api/support/conversations/"+conversationID, token)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	color.Green("Deleted %s", conversationID)
	return nil
}
