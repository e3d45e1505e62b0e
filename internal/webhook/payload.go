package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"relaycast/internal/models"
)

// Payload is the body sent to json webhooks and the source for the chat
// formats.
type Payload struct {
	Event     string        `json:"event"`
	Stream    StreamInfo    `json:"stream"`
	Accounts  []AccountInfo `json:"accounts"`
	Timestamp time.Time     `json:"timestamp"`
}

type StreamInfo struct {
	ID   string `json:"id"`
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type AccountInfo struct {
	ID      string `json:"id"`
	Network string `json:"network"`
	Name    string `json:"name"`
}

type discordBody struct {
	Content string `json:"content"`
}

type slackBody struct {
	Text string `json:"text"`
}

func streamInfo(stream models.Stream) StreamInfo {
	return StreamInfo{ID: stream.ID, UUID: stream.UUID, Name: stream.Name, Slug: stream.Slug}
}

func accountInfo(accounts []models.Account) []AccountInfo {
	out := make([]AccountInfo, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, AccountInfo{ID: account.ID, Network: account.Network, Name: account.Name})
	}
	return out
}

// Render encodes payload in the format expected by a webhook of kind.
func Render(kind string, payload Payload) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", models.WebhookTypeJSON:
		return json.Marshal(payload)
	case models.WebhookTypeDiscord:
		return json.Marshal(discordBody{Content: Summary(payload)})
	case models.WebhookTypeSlack:
		return json.Marshal(slackBody{Text: Summary(payload)})
	default:
		return nil, fmt.Errorf("unsupported webhook type %q", kind)
	}
}

// Summary renders a one-line human readable description of payload.
func Summary(payload Payload) string {
	name := payload.Stream.Name
	if name == "" {
		name = payload.Stream.ID
	}
	switch payload.Event {
	case models.EventStreamStart:
		if len(payload.Accounts) == 0 {
			return fmt.Sprintf("%s is now live", name)
		}
		destinations := make([]string, 0, len(payload.Accounts))
		for _, account := range payload.Accounts {
			destinations = append(destinations, fmt.Sprintf("%s (%s)", account.Name, account.Network))
		}
		return fmt.Sprintf("%s is now live on %s", name, strings.Join(destinations, ", "))
	case models.EventStreamEnd:
		return fmt.Sprintf("%s has ended", name)
	default:
		return fmt.Sprintf("%s: %s", name, payload.Event)
	}
}
