package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/kycstream/internal/models"
	"github.com/good-yellow-bee/kycstream/pkg/config"
)

var (
	publishType     string
	publishSeverity string
	publishPayload  string
	publishID       string
)

var publishCmd = &cobra.Command{
	Use:   "publish <subject>",
	Short: "Publish an alert through the HTTP ingress",
	Long: `Publish one alert for a subject. Requires a publisher or admin token.

Examples:
  streamctl publish 0xabc... --type sanctions --severity critical --payload '{"list":"OFAC"}'`,
	Args: cobra.ExactArgs(1),
	Run:  runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringVar(&publishType, "type", "", "alert type (kyc, aml, sanctions, ...)")
	publishCmd.Flags().StringVar(&publishSeverity, "severity", "medium", "severity (low, medium, high, critical)")
	publishCmd.Flags().StringVar(&publishPayload, "payload", "", "JSON payload")
	publishCmd.Flags().StringVar(&publishID, "id", "", "alert id (assigned by the server when empty)")
}

// publishBody builds the request body for subject from the flags.
func publishBody(subject string) ([]byte, error) {
	req := map[string]any{
		"subject":  subject,
		"severity": publishSeverity,
	}
	if publishType != "" {
		req["type"] = publishType
	}
	if publishID != "" {
		req["id"] = publishID
	}
	if publishPayload != "" {
		if !json.Valid([]byte(publishPayload)) {
			return nil, fmt.Errorf("--payload is not valid JSON")
		}
		req["payload"] = json.RawMessage(publishPayload)
	}
	return json.Marshal(req)
}

func runPublish(cmd *cobra.Command, args []string) {
	body, err := publishBody(args[0])
	if err != nil {
		PrintError(err.Error(), true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	target := strings.TrimSuffix(serverURL, "/") + "/api/v1/alerts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		PrintError(err.Error(), true)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", config.UserAgent("streamctl"))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	PrintVerbose("POST %s", target)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		PrintError(fmt.Sprintf("publish: %v", err), true)
		return
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusAccepted {
		PrintError(fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(data))), true)
		return
	}

	var result struct {
		Data models.Alert `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		PrintError(fmt.Sprintf("decode response: %v", err), true)
		return
	}

	if output == "json" {
		fmt.Println(strings.TrimSpace(string(data)))
		return
	}
	fmt.Println(formatAlert(&result.Data, output))
}
