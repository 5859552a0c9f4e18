package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const adapterTimeout = 5 * time.Second

// WebhookNotifier шлёт уведомления во внешний сервис нотификаций.
// Пустой URL превращает адаптер в лог-заглушку: событие пишется в лог
// и считается доставленным. Удобно для dev-окружений без сервиса.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

func NewWebhookNotifier(url string, log zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: adapterTimeout},
		log:    log.With().Str("component", "notifier").Logger(),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, userID uuid.UUID, event string, payload map[string]any) error {
	if n.url == "" {
		n.log.Info().
			Str("user_id", userID.String()).
			Str("event", event).
			Interface("payload", payload).
			Msg("уведомление (webhook не настроен)")
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"user_id": userID.String(),
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		return fmt.Errorf("notify %s: %w", event, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify %s: %w", event, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify %s: %w", event, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify %s: unexpected status %d", event, resp.StatusCode)
	}
	return nil
}

// ChatServiceClient создаёт чат-комнаты через внешний чат-сервис.
type ChatServiceClient struct {
	baseURL string
	client  *http.Client
}

func NewChatServiceClient(baseURL string) *ChatServiceClient {
	return &ChatServiceClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: adapterTimeout},
	}
}

func (c *ChatServiceClient) CreateRoom(ctx context.Context, sessionID, patientID, providerID uuid.UUID) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("create room: chat service URL is not configured")
	}

	body, err := json.Marshal(map[string]string{
		"session_id":  sessionID.String(),
		"patient_id":  patientID.String(),
		"provider_id": providerID.String(),
	})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rooms", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("create room: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		RoomID string `json:"room_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("create room: decode response: %w", err)
	}
	if out.RoomID == "" {
		return "", fmt.Errorf("create room: empty room_id in response")
	}
	return out.RoomID, nil
}
