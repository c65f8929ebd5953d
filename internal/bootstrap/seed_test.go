package bootstrap

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestEnsureWorkspaceFilesBrandNew(t *testing.T) {
	dir := t.TempDir()

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("EnsureWorkspaceFiles: %v", err)
	}

	for _, name := range []string{AgentsFile, SoulFile, ToolsFile, IdentityFile, UserFile, HeartbeatFile, BootstrapFile} {
		if !slices.Contains(created, name) {
			t.Errorf("%s not in created list %v", name, created)
		}
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not on disk: %v", name, err)
		}
	}
	for _, sub := range []string{"memory", "channel"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Errorf("workspace dir %s missing", sub)
		}
	}
}

func TestEnsureWorkspaceFilesExistingWorkspaceSkipsBootstrap(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, AgentsFile), []byte("custom"), 0644); err != nil {
		t.Fatal(err)
	}

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("EnsureWorkspaceFiles: %v", err)
	}

	if slices.Contains(created, BootstrapFile) {
		t.Error("BOOTSTRAP.md seeded into an existing workspace")
	}
	if slices.Contains(created, AgentsFile) {
		t.Error("existing AGENTS.md reported as created")
	}
	data, _ := os.ReadFile(filepath.Join(dir, AgentsFile))
	if string(data) != "custom" {
		t.Error("existing AGENTS.md was overwritten")
	}
}

func TestEnsureWorkspaceFilesIdempotent(t *testing.T) {
	dir := t.TempDir()
	if _, err := EnsureWorkspaceFiles(dir); err != nil {
		t.Fatal(err)
	}
	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Errorf("second run created %v", created)
	}
}

func TestAgentSettingsWritten(t *testing.T) {
	dir := t.TempDir()
	if _, err := EnsureWorkspaceFiles(dir); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".iflow", "settings.json"))
	if err != nil {
		t.Fatalf("settings.json missing: %v", err)
	}
	var settings struct {
		ContextFileName []string `json:"contextFileName"`
		ApprovalMode    string   `json:"approvalMode"`
		Language        string   `json:"language"`
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		t.Fatalf("settings.json invalid: %v", err)
	}
	if settings.ApprovalMode != "yolo" {
		t.Errorf("approvalMode = %q", settings.ApprovalMode)
	}
	if settings.Language != "zh-CN" {
		t.Errorf("language = %q", settings.Language)
	}
	if !slices.Contains(settings.ContextFileName, AgentsFile) {
		t.Errorf("contextFileName missing %s: %v", AgentsFile, settings.ContextFileName)
	}
}

func TestReadTemplate(t *testing.T) {
	content, err := ReadTemplate(HeartbeatFile)
	if err != nil {
		t.Fatalf("ReadTemplate: %v", err)
	}
	if content == "" {
		t.Error("empty heartbeat template")
	}
	if _, err := ReadTemplate("NOPE.md"); err == nil {
		t.Error("expected error for unknown template")
	}
}
