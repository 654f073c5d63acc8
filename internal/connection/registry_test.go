package connection

import (
	"context"
	"testing"
)

type rejectingProvider struct {
	fakeProvider
}

func (p *rejectingProvider) Info() ProviderInfo {
	return ProviderInfo{Tag: "strict", Title: "Strict"}
}

func (p *rejectingProvider) ValidateSettings(settings map[string]any) error {
	if _, ok := settings["host"].(string); !ok {
		return NewValidation("host is required", nil)
	}
	return nil
}

func TestRegistryOrderAndLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeProvider{load: func(ctx context.Context, cfg *Configuration) (Connection, error) {
		return &fakeConn{}, nil
	}})
	reg.Register(&rejectingProvider{})

	infos := reg.Providers()
	if len(infos) != 2 || infos[0].Tag != "fake" || infos[1].Tag != "strict" {
		t.Fatalf("Providers() = %+v", infos)
	}
	if _, ok := reg.Get("fake"); !ok {
		t.Fatal("fake provider not found")
	}
	if _, ok := reg.Get("nope"); ok {
		t.Fatal("unexpected provider for unknown tag")
	}
}

func TestCreateConfiguration(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&rejectingProvider{})

	if _, err := reg.CreateConfiguration("nope", "t", nil); KindOf(err) != KindValidation {
		t.Fatalf("unknown tag err = %v, want validation", err)
	}
	if _, err := reg.CreateConfiguration("strict", "", map[string]any{"host": "h"}); KindOf(err) != KindValidation {
		t.Fatalf("empty title err = %v, want validation", err)
	}
	if _, err := reg.CreateConfiguration("strict", "t", nil); KindOf(err) != KindValidation {
		t.Fatalf("rejected settings err = %v, want validation", err)
	}

	cfg, err := reg.CreateConfiguration("strict", "Lab host", map[string]any{"host": "lab.example"})
	if err != nil {
		t.Fatalf("CreateConfiguration: %v", err)
	}
	if cfg.ID == "" || cfg.ProviderTag != "strict" || cfg.GetString("host") != "lab.example" {
		t.Fatalf("unexpected configuration: %+v", cfg)
	}
}
