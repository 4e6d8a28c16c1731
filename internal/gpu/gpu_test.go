package gpu

import (
	"context"
	"testing"
)

func TestParseCSV(t *testing.T) {
	out := "NVIDIA GeForce RTX 4090, 24564, 1024, 23540, 37, 12\n" +
		"NVIDIA GeForce RTX 4090, 24564, 20480, 4084, 99, 87\n"
	gpus, err := parseCSV(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(gpus) != 2 {
		t.Fatalf("len = %d", len(gpus))
	}
	g := gpus[0]
	if g.Name != "NVIDIA GeForce RTX 4090" {
		t.Errorf("name = %q", g.Name)
	}
	if g.MemoryTotalMB != 24564 || g.MemoryUsedMB != 1024 || g.MemoryFreeMB != 23540 {
		t.Errorf("memory = %+v", g)
	}
	if g.UtilizationGPU != 37 || g.UtilizationMem != 12 {
		t.Errorf("utilization = %+v", g)
	}
}

func TestParseCSVRejectsGarbage(t *testing.T) {
	if _, err := parseCSV("not,enough,fields"); err == nil {
		t.Error("expected error for short line")
	}
	if _, err := parseCSV(""); err == nil {
		t.Error("expected error for empty output")
	}
}

func TestInfoHostStats(t *testing.T) {
	// Host stats must be populated even when no GPU is visible.
	info := Info(context.Background())
	if info.HostCPUCount <= 0 {
		t.Errorf("HostCPUCount = %d", info.HostCPUCount)
	}
	if info.HostMemTotal == 0 {
		t.Error("HostMemTotal = 0")
	}
}
