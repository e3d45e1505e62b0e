package networks

import (
	"errors"
	"testing"
)

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	registry, err := NewRegistry(NewRTMPAdapter("Custom", true, nil), NewRTMPAdapter("backup", false, nil))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	adapter, err := registry.Lookup(" CUSTOM ")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if adapter.Name() != "Custom" {
		t.Fatalf("unexpected adapter %q", adapter.Name())
	}
	if _, err := registry.Lookup("twitch"); !errors.Is(err, ErrUnknownNetwork) {
		t.Fatalf("expected ErrUnknownNetwork, got %v", err)
	}
	if names := registry.Names(); len(names) != 2 || names[0] != "backup" || names[1] != "custom" {
		t.Fatalf("unexpected names %v", names)
	}
	if registry.AllowSharing("backup") || !registry.AllowSharing("custom") || registry.AllowSharing("twitch") {
		t.Fatal("unexpected sharing flags")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	if _, err := NewRegistry(NewRTMPAdapter("rtmp", true, nil), NewRTMPAdapter("RTMP", true, nil)); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryDescriptors(t *testing.T) {
	httpAdapter, err := NewHTTPAdapter(HTTPConfig{Name: "tube", BaseURL: "https://api.example.com", Fields: []Field{{Key: "title", Type: "text", Label: "Title"}}})
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	registry, err := NewRegistry(NewRTMPAdapter("rtmp", true, nil), httpAdapter)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	descriptors := registry.Descriptors()
	if len(descriptors) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(descriptors))
	}
	rtmp, tube := descriptors[0], descriptors[1]
	if rtmp.Name != "rtmp" || rtmp.Provisioning || rtmp.Endpoints || len(rtmp.Fields) != 0 {
		t.Fatalf("unexpected rtmp descriptor %+v", rtmp)
	}
	if tube.Name != "tube" || !tube.Provisioning || !tube.Endpoints || tube.Fields[0].Key != "title" {
		t.Fatalf("unexpected http descriptor %+v", tube)
	}
}
