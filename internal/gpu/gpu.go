// Package gpu reports accelerator and host utilization. GPU stats come from
// nvidia-smi's CSV query interface; host stats come from gopsutil so the
// report is still useful on boxes without a GPU.
package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ehrlich-b/smi/internal/model"
)

const smiQuery = "name,memory.total,memory.used,memory.free,utilization.gpu,utilization.memory"

// Info collects GPU and host utilization. A missing or failing nvidia-smi
// sets the Error field instead of failing the call.
func Info(ctx context.Context) *model.GPUsInfo {
	info := &model.GPUsInfo{}

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.HostCPUCount = counts
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.HostMemTotal = vm.Total
		info.HostMemUsed = vm.Used
	}
	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.HostImageName = hi.Hostname
	}

	gpus, err := queryNvidia(ctx)
	if err != nil {
		info.Error = fmt.Sprintf("no GPU visible: %v", err)
		return info
	}
	info.GPUs = gpus
	return info
}

func queryNvidia(ctx context.Context) ([]model.GPUInfo, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu="+smiQuery,
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, err
	}
	return parseCSV(string(out))
}

// parseCSV decodes nvidia-smi's "csv,noheader,nounits" output, one GPU per
// line with comma-space separators.
func parseCSV(out string) ([]model.GPUInfo, error) {
	var gpus []model.GPUInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 6 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		gpus = append(gpus, model.GPUInfo{
			Name:           fields[0],
			MemoryTotalMB:  parseInt64(fields[1]),
			MemoryUsedMB:   parseInt64(fields[2]),
			MemoryFreeMB:   parseInt64(fields[3]),
			UtilizationGPU: int(parseInt64(fields[4])),
			UtilizationMem: int(parseInt64(fields[5])),
		})
	}
	if len(gpus) == 0 {
		return nil, fmt.Errorf("nvidia-smi reported no devices")
	}
	return gpus, nil
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
