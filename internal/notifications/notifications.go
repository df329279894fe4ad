package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	client      *http.Client
	topic       string
	initialized bool
	baseURL     = "https://ntfy.sh"
)

// Init initializes the notification client
func Init(ntfyTopic string) {
	if ntfyTopic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		initialized = false
		return
	}

	client = &http.Client{
		Timeout: 10 * time.Second,
	}
	topic = ntfyTopic
	initialized = true

	log.Info().
		Str("topic", topic).
		Msg("Ntfy notifications initialized")
}

func Enabled() bool {
	return initialized
}

// Send sends a notification to ntfy.sh
func Send(title, message string) error {
	if !initialized {
		return fmt.Errorf("notifications not initialized")
	}

	payload := map[string]interface{}{
		"topic":    topic,
		"title":    title,
		"message":  message,
		"priority": 4,
		"tags":     []string{"warning"},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequest("POST", baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", title).
		Int("status", resp.StatusCode).
		Msg("Notification sent successfully")

	return nil
}
