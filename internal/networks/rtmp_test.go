package networks

import (
	"context"
	"strings"
	"testing"

	"relaycast/internal/models"
)

func TestRTMPAdapterPushStartPrefersDestinationKeystore(t *testing.T) {
	adapter := NewRTMPAdapter("rtmp", true, nil)
	account := models.Account{ID: "acct-1", Keystore: models.Keystore{KeyServer: "rtmp://ingest.example/live/", KeyStreamKey: "account-key"}}
	target := Target{Link: models.StreamAccount{Keystore: models.Keystore{KeyStreamKey: "destination-key"}}}

	url, err := adapter.PushStart(context.Background(), account, target)
	if err != nil {
		t.Fatalf("PushStart: %v", err)
	}
	if url != "rtmp://ingest.example/live/destination-key" {
		t.Fatalf("unexpected transport URL %q", url)
	}
}

func TestRTMPAdapterPushStartRequiresCredentials(t *testing.T) {
	adapter := NewRTMPAdapter("rtmp", true, nil)
	cases := map[string]models.Keystore{
		"missing server": {KeyStreamKey: "abc"},
		"missing key":    {KeyServer: "rtmp://ingest.example/live"},
		"bad scheme":     {KeyServer: "https://ingest.example/live", KeyStreamKey: "abc"},
	}
	for name, keystore := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := adapter.PushStart(context.Background(), models.Account{Keystore: keystore}, Target{}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRTMPAdapterCheckErrors(t *testing.T) {
	adapter := NewRTMPAdapter("rtmp", true, nil)
	problems := adapter.CheckErrors(context.Background(), models.Account{Keystore: models.Keystore{KeyServer: "http://nope"}})
	if len(problems) != 2 {
		t.Fatalf("expected scheme and key problems, got %+v", problems)
	}
	if problems[0].Field != KeyServer || problems[1].Field != KeyStreamKey {
		t.Fatalf("unexpected problem order %+v", problems)
	}

	valid := models.Account{Keystore: models.Keystore{KeyServer: "rtmps://ingest.example:443/app", KeyStreamKey: "abc"}}
	if problems := adapter.CheckErrors(context.Background(), valid); len(problems) != 0 {
		t.Fatalf("expected no problems, got %+v", problems)
	}
}

func TestRTMPAdapterCheckErrorsAllowsDestinationOverrides(t *testing.T) {
	adapter := NewRTMPAdapter("rtmp", true, nil)
	account := models.Account{ID: "acct-1", Keystore: models.Keystore{KeyStreamKey: "account-key"}}

	problems := adapter.CheckErrors(context.Background(), account)
	if len(problems) != 1 || problems[0].Field != KeyServer {
		t.Fatalf("expected a missing server problem, got %+v", problems)
	}
	if !strings.Contains(problems[0].Message, "every destination must provide one") {
		t.Fatalf("expected the message to point at destination overrides, got %q", problems[0].Message)
	}

	target := Target{Link: models.StreamAccount{Keystore: models.Keystore{KeyServer: "rtmp://edge.example/app"}}}
	url, err := adapter.PushStart(context.Background(), account, target)
	if err != nil {
		t.Fatalf("PushStart with destination server: %v", err)
	}
	if url != "rtmp://edge.example/app/account-key" {
		t.Fatalf("unexpected transport URL %q", url)
	}
}
