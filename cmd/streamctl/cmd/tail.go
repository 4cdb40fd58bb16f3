package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/kycstream/internal/broker"
	"github.com/good-yellow-bee/kycstream/internal/models"
	"github.com/good-yellow-bee/kycstream/pkg/config"
)

var (
	tailReplay    bool
	tailSinceID   string
	tailSeverity  string
	tailTypes     []string
	tailExpr      string
	tailHeartbeat time.Duration
)

var tailCmd = &cobra.Command{
	Use:   "tail <subject>",
	Short: "Stream alerts for a subject in real-time",
	Long: `Open a stream connection for one subject and print alerts as they arrive.

Heartbeats are sent automatically so the connection is not closed as stale.

Examples:
  # Stream alerts
  streamctl tail 0xabc0000000000000000000000000000000000001

  # Replay queued alerts after a known id, then stream
  streamctl tail 0xabc... --since 2f1c...

  # Filter with an expression
  streamctl tail 0xabc... --expr 'payload.score > 80'`,
	Args: cobra.ExactArgs(1),
	Run:  runTail,
}

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().BoolVar(&tailReplay, "replay", false, "request the queued alerts after connecting")
	tailCmd.Flags().StringVar(&tailSinceID, "since", "", "replay only alerts after this id (implies --replay)")
	tailCmd.Flags().StringVar(&tailSeverity, "severity", "", "minimum severity (low, medium, high, critical)")
	tailCmd.Flags().StringSliceVar(&tailTypes, "type", nil, "alert types to receive (repeatable)")
	tailCmd.Flags().StringVar(&tailExpr, "expr", "", "filter expression over id, subject, type, severity, severity_rank, payload, created_at")
	tailCmd.Flags().DurationVar(&tailHeartbeat, "heartbeat", 10*time.Second, "heartbeat interval")
}

// streamURL converts the server URL into the websocket endpoint for subject.
func streamURL(server, subject string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + url.PathEscape(subject)
	return u.String(), nil
}

// setupCommands returns the commands sent right after the welcome frame.
func setupCommands() []map[string]any {
	var cmds []map[string]any

	criteria := map[string]any{}
	if tailSeverity != "" {
		criteria["severity"] = tailSeverity
	}
	if len(tailTypes) > 0 {
		criteria["types"] = tailTypes
	}
	if tailExpr != "" {
		criteria["expr"] = tailExpr
	}
	if len(criteria) > 0 {
		cmds = append(cmds, map[string]any{"type": broker.CommandFilter, "id": "filter", "criteria": criteria})
	}

	if tailReplay || tailSinceID != "" {
		cmd := map[string]any{"type": broker.CommandRequestCache, "id": "replay"}
		if tailSinceID != "" {
			cmd["since_id"] = tailSinceID
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func runTail(cmd *cobra.Command, args []string) {
	target, err := streamURL(serverURL, args[0])
	if err != nil {
		PrintError(err.Error(), true)
		return
	}

	header := http.Header{}
	header.Set("User-Agent", config.UserAgent("streamctl"))
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	PrintVerbose("connecting to %s", target)
	conn, resp, err := websocket.DefaultDialer.Dial(target, header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			PrintError(fmt.Sprintf("handshake failed: %s: %s", resp.Status, strings.TrimSpace(string(body))), true)
			return
		}
		PrintError(fmt.Sprintf("connect: %v", err), true)
		return
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// All writes go through this goroutine; gorilla allows one writer.
	outgoing := make(chan map[string]any, 8)
	go writeLoop(ctx, conn, outgoing)

	frames := make(chan broker.ServerMessage)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg broker.ServerMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			frames <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case err := <-readErr:
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				PrintError(fmt.Sprintf("connection closed: %d %s", ce.Code, ce.Text), true)
				return
			}
			PrintError(fmt.Sprintf("read: %v", err), true)
			return
		case msg := <-frames:
			if msg.Type == broker.MessageWelcome {
				PrintVerbose("connected as %s for %s", msg.ConnectionID, msg.Subject)
				for _, c := range setupCommands() {
					outgoing <- c
				}
				continue
			}
			if line := formatMessage(msg, output); line != "" {
				fmt.Println(line)
			}
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, outgoing <-chan map[string]any) {
	ticker := time.NewTicker(tailHeartbeat)
	defer ticker.Stop()

	for {
		var msg map[string]any
		select {
		case <-ctx.Done():
			return
		case msg = <-outgoing:
		case <-ticker.C:
			msg = map[string]any{"type": broker.CommandHeartbeat}
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			PrintVerbose("write: %v", err)
			return
		}
	}
}

// formatMessage renders a server frame. Heartbeat acks render as "".
func formatMessage(msg broker.ServerMessage, format string) string {
	if msg.Type == broker.MessageAck && msg.OK && msg.Command == broker.CommandHeartbeat {
		return ""
	}

	if format == "json" {
		data, _ := json.Marshal(msg)
		return string(data)
	}

	switch msg.Type {
	case broker.MessageAlert:
		if msg.Alert == nil {
			return ""
		}
		return formatAlert(msg.Alert, format)
	case broker.MessageAck:
		if !msg.OK {
			return fmt.Sprintf("! %s rejected: %s %s", orDash(msg.Command), msg.Error, msg.Message)
		}
		if msg.Command == broker.CommandRequestCache {
			return fmt.Sprintf("# replayed %d alerts", msg.Count)
		}
		return fmt.Sprintf("# %s ok", msg.Command)
	case broker.MessageClosing:
		return fmt.Sprintf("# server closing: %s", msg.Reason)
	default:
		return ""
	}
}

func formatAlert(a *models.Alert, format string) string {
	payload := string(a.Payload)
	if payload == "" {
		payload = "-"
	}
	if format == "plain" {
		return fmt.Sprintf("%s %s %s %s %s", a.CreatedAt.Format(time.RFC3339), a.Severity, orDash(a.Type), a.ID, payload)
	}
	return fmt.Sprintf("%-20s  %-8s  %-10s  %-36s  %s",
		a.CreatedAt.Local().Format("2006-01-02 15:04:05"), strings.ToUpper(string(a.Severity)), orDash(a.Type), a.ID, payload)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
