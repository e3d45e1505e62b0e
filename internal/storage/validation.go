package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"relaycast/internal/models"
)

func validateStreamParams(params CreateStreamParams) error {
	var errs []error
	if strings.TrimSpace(params.Name) == "" {
		errs = append(errs, errors.New("stream name is required"))
	}
	if strings.TrimSpace(params.OwnerID) == "" {
		errs = append(errs, errors.New("stream owner is required"))
	}
	return errors.Join(errs...)
}

func validateAccountParams(params CreateAccountParams) error {
	var errs []error
	if strings.TrimSpace(params.Network) == "" {
		errs = append(errs, errors.New("account network is required"))
	}
	if strings.TrimSpace(params.Name) == "" {
		errs = append(errs, errors.New("account name is required"))
	}
	if strings.TrimSpace(params.OwnerID) == "" {
		errs = append(errs, errors.New("account owner is required"))
	}
	return errors.Join(errs...)
}

func validateLinkParams(params LinkParams) error {
	var errs []error
	if strings.TrimSpace(params.StreamID) == "" {
		errs = append(errs, errors.New("link stream is required"))
	}
	if strings.TrimSpace(params.AccountID) == "" {
		errs = append(errs, errors.New("link account is required"))
	}
	if params.Position < 0 {
		errs = append(errs, fmt.Errorf("link position must not be negative, got %d", params.Position))
	}
	return errors.Join(errs...)
}

func validateWebhookParams(params CreateWebhookParams) error {
	var errs []error
	if strings.TrimSpace(params.StreamID) == "" {
		errs = append(errs, errors.New("webhook stream is required"))
	}
	parsed, err := url.Parse(strings.TrimSpace(params.URL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		errs = append(errs, fmt.Errorf("webhook url %q must be an absolute http(s) url", params.URL))
	}
	switch normalizeWebhookType(params.Type) {
	case models.WebhookTypeJSON, models.WebhookTypeDiscord, models.WebhookTypeSlack:
	default:
		errs = append(errs, fmt.Errorf("unsupported webhook type %q", params.Type))
	}
	for _, event := range params.Events {
		if event != models.EventStreamStart && event != models.EventStreamEnd {
			errs = append(errs, fmt.Errorf("unsupported webhook event %q", event))
		}
	}
	return errors.Join(errs...)
}

func normalizeWebhookType(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return models.WebhookTypeJSON
	}
	return kind
}

func cloneMetadata(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneStream(stream models.Stream) models.Stream {
	stream.Metadata = cloneMetadata(stream.Metadata)
	return stream
}
