package main

import (
	"net/url"
	"strings"

	"relaycast/internal/redisutil"
	"relaycast/internal/server"
)

const redactedSecret = "*****"

type startupSummaryInput struct {
	Datastore    string
	DataPath     string
	PostgresDSN  string
	StatusDriver string
	BusDriver    string
	Redis        redisutil.Config
	RateLimit    server.RateLimitConfig
	Networks     []string
	IngestToken  bool
}

// startupSummary is the configuration logged once at boot with secrets
// redacted.
type startupSummary struct {
	datastore   map[string]any
	status      map[string]any
	bus         map[string]any
	rateLimit   map[string]any
	networks    []string
	ingestToken bool
}

func newStartupSummary(in startupSummaryInput) startupSummary {
	datastore := map[string]any{"driver": in.Datastore}
	switch in.Datastore {
	case "postgres":
		datastore["dsn"] = redactDSN(in.PostgresDSN)
	default:
		datastore["path"] = in.DataPath
	}

	redisFields := func(fields map[string]any) map[string]any {
		if addrs := in.Redis.Addresses(); len(addrs) > 0 {
			fields["addr"] = strings.Join(addrs, ",")
		}
		if in.Redis.MasterName != "" {
			fields["master_name"] = in.Redis.MasterName
		}
		return fields
	}

	status := map[string]any{"driver": in.StatusDriver}
	if in.StatusDriver == "redis" {
		status = redisFields(status)
	}
	bus := map[string]any{"driver": in.BusDriver}
	if in.BusDriver == "redis" {
		bus = redisFields(bus)
	}

	rate := map[string]any{
		"driver":         "memory",
		"global_rps":     in.RateLimit.GlobalRPS,
		"global_burst":   in.RateLimit.GlobalBurst,
		"control_limit":  in.RateLimit.ControlLimit,
		"control_window": in.RateLimit.ControlWindow.String(),
	}
	if in.RateLimit.Redis != nil {
		rate["driver"] = "redis"
		rate = redisFields(rate)
	}

	return startupSummary{
		datastore:   datastore,
		status:      status,
		bus:         bus,
		rateLimit:   rate,
		networks:    append([]string(nil), in.Networks...),
		ingestToken: in.IngestToken,
	}
}

func (s startupSummary) LogArgs() []any {
	return []any{
		"datastore", s.datastore,
		"status_store", s.status,
		"bus", s.bus,
		"rate_limit", s.rateLimit,
		"networks", s.networks,
		"ingest_token", s.ingestToken,
	}
}

// redactDSN masks the password of URL-style and keyword/value DSNs.
func redactDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		if u.User != nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), redactedSecret)
			}
		}
		return u.String()
	}
	fields := strings.Fields(dsn)
	for i, field := range fields {
		if key, _, ok := strings.Cut(field, "="); ok && strings.EqualFold(key, "password") {
			fields[i] = key + "=" + redactedSecret
		}
	}
	return strings.Join(fields, " ")
}
