package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/insight/internal/domain"
)

// Exit codes for the ask command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitDenied      = 2
	ExitUnavailable = 3
)

var (
	askMessage    string
	askServerURL  string
	askAPIKey     string
	askStream     bool
	askShowSQL    bool
	askTimeout    int
	askConvID     string
	askExcluded   []string
	askHTTPClient = http.DefaultClient
)

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Ask the server a one-shot question",
	Long: `Send a question to a running Insight server and print the answer.

Examples:
  insight ask -m "how many tickets were opened last week?"
  insight ask -m "top 5 customers by revenue" --stream --show-sql
  insight ask -m "/sql SELECT count(*) FROM files.tickets"

Exit codes:
  0  success
  1  pipeline or request failure
  2  unauthorized or rate limited
  3  server unavailable`,
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askMessage, "message", "m", "", "question to ask (required)")
	askCmd.Flags().StringVar(&askServerURL, "server-url", "http://localhost:8080", "Insight server URL (or INSIGHT_SERVER_URL env)")
	askCmd.Flags().StringVar(&askAPIKey, "api-key", "", "API key (or INSIGHT_API_KEY env)")
	askCmd.Flags().BoolVar(&askStream, "stream", false, "stream the answer via SSE")
	askCmd.Flags().BoolVar(&askShowSQL, "show-sql", false, "print executed SQL to stderr (stream mode)")
	askCmd.Flags().IntVar(&askTimeout, "timeout", 300, "timeout in seconds")
	askCmd.Flags().StringVar(&askConvID, "conversation-id", "", "conversation ID for multi-turn context")
	askCmd.Flags().StringSliceVar(&askExcluded, "exclude-table", nil, "table to exclude (repeatable)")

	_ = askCmd.MarkFlagRequired("message")
}

func runAsk(_ *cobra.Command, _ []string) error {
	if strings.TrimSpace(askMessage) == "" {
		return fmt.Errorf("message is required: use -m flag")
	}

	apiKey := goutils.Env("INSIGHT_API_KEY", askAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set INSIGHT_API_KEY)")
		os.Exit(ExitDenied)
	}
	serverURL := strings.TrimRight(goutils.Env("INSIGHT_SERVER_URL", askServerURL), "/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(askTimeout)*time.Second)
	defer cancel()

	var code int
	if askStream {
		code = askSSE(ctx, os.Stdout, os.Stderr, serverURL, apiKey)
	} else {
		code = askHTTP(ctx, os.Stdout, os.Stderr, serverURL, apiKey)
	}
	if code != ExitSuccess {
		os.Exit(code)
	}
	return nil
}

func askBody() []byte {
	body, _ := json.Marshal(map[string]any{
		"messages":        []domain.Message{{Role: domain.RoleUser, Content: askMessage}},
		"conversation_id": askConvID,
		"exclude_tables":  askExcluded,
	})
	return body
}

func newAskRequest(ctx context.Context, url, apiKey string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(askBody()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return req, nil
}

// statusExit maps a non-200 response to an exit code and prints it.
func statusExit(stderr io.Writer, resp *http.Response) int {
	body, _ := io.ReadAll(resp.Body)
	var eb struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.Unmarshal(body, &eb)
	msg := eb.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		fmt.Fprintln(stderr, "Error: unauthorized (check API key)")
		return ExitDenied
	case http.StatusForbidden:
		fmt.Fprintf(stderr, "Error: forbidden: %s\n", msg)
		return ExitDenied
	case http.StatusTooManyRequests:
		fmt.Fprintln(stderr, "Error: rate limited, try again later")
		return ExitDenied
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		fmt.Fprintf(stderr, "Error: server unavailable (%d)\n", resp.StatusCode)
		return ExitUnavailable
	default:
		if eb.Code != "" {
			fmt.Fprintf(stderr, "Error [%s]: %s\n", eb.Code, msg)
		} else {
			fmt.Fprintf(stderr, "Error: server returned %d: %s\n", resp.StatusCode, msg)
		}
		return ExitFailure
	}
}

// askHTTP sends a synchronous completion and prints the reply.
func askHTTP(ctx context.Context, stdout, stderr io.Writer, serverURL, apiKey string) int {
	req, err := newAskRequest(ctx, serverURL+"/v1/chat/completions", apiKey)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}
	resp, err := askHTTPClient.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "Error: cannot reach server at %s: %v\n", serverURL, err)
		return ExitUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusExit(stderr, resp)
	}
	var result struct {
		ID             string `json:"id"`
		ConversationID string `json:"conversation_id"`
		Reply          string `json:"reply"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(stderr, "Error: decoding response: %v\n", err)
		return ExitFailure
	}
	fmt.Fprintln(stdout, result.Reply)
	fmt.Fprintf(stderr, "\n[id=%s conversation_id=%s]\n", result.ID, result.ConversationID)
	return ExitSuccess
}

// askSSE streams the answer, printing deltas as they arrive.
func askSSE(ctx context.Context, stdout, stderr io.Writer, serverURL, apiKey string) int {
	req, err := newAskRequest(ctx, serverURL+"/v1/chat/stream", apiKey)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := askHTTPClient.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "Error: cannot reach server at %s: %v\n", serverURL, err)
		return ExitUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusExit(stderr, resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	kind := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		case !strings.HasPrefix(line, "data:"):
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var data map[string]any
		if raw == "" || json.Unmarshal([]byte(raw), &data) != nil {
			continue
		}

		switch kind {
		case "delta":
			if s, ok := data["content"].(string); ok {
				fmt.Fprintln(stdout, s)
			}
		case "sql":
			if askShowSQL {
				fmt.Fprintf(stderr, "[sql %v] %v\n", data["purpose"], data["sql"])
			}
		case "anim":
			fmt.Fprintf(stderr, "… %v\n", data["message"])
		case "error":
			fmt.Fprintf(stderr, "Error [%v]: %v\n", data["code"], data["message"])
			return ExitFailure
		case "done":
			fmt.Fprintf(stderr, "\n[conversation_id=%v]\n", data["conversation_id"])
			return ExitSuccess
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "Error: stream interrupted: %v\n", err)
		return ExitFailure
	}
	fmt.Fprintln(stderr, "Error: stream ended without a terminal event")
	return ExitFailure
}
