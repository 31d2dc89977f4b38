package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRunVersionText(t *testing.T) {
	var stdout, stderr bytes.Buffer

	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	out := stdout.String()
	if !strings.Contains(out, "Ariadne") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("output missing go_version: %q", out)
	}
}

func TestRunVersionJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer

	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}

	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer

	err := run(context.Background(), &stdout, &stderr, []string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v", err)
	}
}

func TestRunUnknownOutputFormat(t *testing.T) {
	var stdout, stderr bytes.Buffer

	err := run(context.Background(), &stdout, &stderr, []string{"-o", "xml", "version"})
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("err = %v", err)
	}
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer

	if err := run(context.Background(), &stdout, &stderr, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout.String(), "Usage: ariadne") {
		t.Errorf("output = %q", stdout.String())
	}
}

func TestRunAskRequiresQuestion(t *testing.T) {
	var stdout, stderr bytes.Buffer

	err := run(context.Background(), &stdout, &stderr, []string{"ask"})
	if err == nil || !strings.Contains(err.Error(), "usage: ariadne ask") {
		t.Errorf("err = %v", err)
	}
}
