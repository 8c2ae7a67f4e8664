package dependencies

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

func newTestManager(onPath map[string]bool, probeErr error) *DependencyManager {
	cm := utils.NewConfigManagerFromValues(utils.Config{})
	dm := NewDependencyManager(cm, utils.NewLogsManagerWithOutput("debug", io.Discard))
	dm.lookPath = func(name string) (string, error) {
		if onPath[name] {
			return "/usr/bin/" + name, nil
		}
		return "", errors.New("executable file not found in $PATH")
	}
	dm.probe = func(string) error { return probeErr }
	return dm
}

func TestRuntimeBinary(t *testing.T) {
	for _, method := range []string{"docker", "apptainer", "singularity"} {
		if got, err := RuntimeBinary(method); err != nil || got != method {
			t.Errorf("RuntimeBinary(%q) = %q, %v", method, got, err)
		}
	}
	if _, err := RuntimeBinary(""); err == nil {
		t.Error("Expected an error for an empty method")
	}
	if _, err := RuntimeBinary("podman"); err == nil {
		t.Error("Expected an error for an unknown method")
	}
}

func TestCheckDependencies(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		onPath   map[string]bool
		probeErr error
		wantErr  string
	}{
		{"docker present", "docker", map[string]bool{"docker": true}, nil, ""},
		{"docker missing", "docker", map[string]bool{"apptainer": true}, nil, "docker not found on PATH"},
		{"docker daemon down", "docker", map[string]bool{"docker": true}, errors.New("cannot connect"), "not responsive"},
		{"singularity present", "singularity", map[string]bool{"singularity": true}, nil, ""},
		{"unset method", "", nil, nil, "CONTAINER_METHOD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dm := newTestManager(tt.onPath, tt.probeErr)
			err := dm.CheckDependencies(tt.method)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGetMissingDependencies(t *testing.T) {
	dm := newTestManager(map[string]bool{}, nil)
	missing := dm.GetMissingDependencies("apptainer")
	if len(missing) != 1 || missing[0] != "apptainer" {
		t.Errorf("Expected [apptainer], got %v", missing)
	}
	if missing := dm.GetMissingDependencies("bogus"); len(missing) != 0 {
		t.Errorf("Expected no missing dependencies for an invalid method, got %v", missing)
	}
}

func TestInstallInstructions(t *testing.T) {
	if hints := InstallInstructions("docker", "linux"); len(hints) != 2 {
		t.Errorf("Expected 2 linux hints, got %d", len(hints))
	}
	if hints := InstallInstructions("apptainer", "darwin"); len(hints) != 1 || !strings.Contains(hints[0], "Linux only") {
		t.Errorf("Unexpected apptainer hints on darwin: %v", hints)
	}
	if hints := InstallInstructions("podman", "linux"); hints != nil {
		t.Errorf("Expected no hints, got %v", hints)
	}
}
