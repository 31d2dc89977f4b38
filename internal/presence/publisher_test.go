package presence

import (
	"context"
	"testing"

	"github.com/ariadne-chat/ariadne/internal/config"
)

func TestTopicDefaults(t *testing.T) {
	p := New(config.MQTTConfig{DeviceName: "ariadne"}, nil, nil)

	if got := p.availabilityTopic(); got != "ariadne/ariadne/availability" {
		t.Errorf("availabilityTopic = %q", got)
	}
	if got := p.statsTopic(); got != "ariadne/ariadne/stats" {
		t.Errorf("statsTopic = %q", got)
	}
}

func TestTopicPrefixOverride(t *testing.T) {
	p := New(config.MQTTConfig{TopicPrefix: "home/bots", DeviceName: "kitchen"}, nil, nil)

	if got := p.availabilityTopic(); got != "home/bots/kitchen/availability" {
		t.Errorf("availabilityTopic = %q", got)
	}
}

func TestStopWithoutStart(t *testing.T) {
	p := New(config.MQTTConfig{}, nil, nil)
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}
