package tools

import "testing"

func TestNewDockerSandbox_Defaults(t *testing.T) {
	sandbox, err := NewDockerSandbox("", 0, "", "/tmp/ws")
	if err != nil {
		t.Skipf("docker client init failed (no daemon): %v", err)
	}
	defer sandbox.Close()

	if sandbox.image != "golang:alpine" {
		t.Errorf("default image = %s", sandbox.image)
	}
	if sandbox.memoryBytes != 512*1024*1024 {
		t.Errorf("default memory = %d bytes", sandbox.memoryBytes)
	}
	if sandbox.networkMode != "none" {
		t.Errorf("default network = %s; sandbox must start offline", sandbox.networkMode)
	}
}

func TestNewDockerSandbox_Config(t *testing.T) {
	sandbox, err := NewDockerSandbox("alpine", 128, "bridge", "/tmp/ws")
	if err != nil {
		t.Skipf("docker client init failed (no daemon): %v", err)
	}
	defer sandbox.Close()

	if sandbox.image != "alpine" || sandbox.memoryBytes != 128*1024*1024 || sandbox.networkMode != "bridge" {
		t.Errorf("config not applied: %+v", sandbox)
	}
}

var _ Executor = (*DockerSandbox)(nil)
