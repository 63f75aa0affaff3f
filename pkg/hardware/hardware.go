// Package hardware reports the host resources used to seed default
// containers.
package hardware

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/cpu"
	memory "github.com/shirou/gopsutil/mem"
)

// GPU one detected accelerator
type GPU struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	MemoryBytes uint64 `json:"memoryBytes"`
}

// Info host snapshot
type Info struct {
	LogicalCPUs  int    `json:"logicalCpus"`
	CPUModel     string `json:"cpuModel"`
	GPUs         []GPU  `json:"gpus"`
	TotalMemory  uint64 `json:"totalMemory"`
	AvailMemory  uint64 `json:"availableMemory"`
	MemoryString string `json:"memory"`
}

// GPUCount number of detected GPUs
func (i Info) GPUCount() int {
	return len(i.GPUs)
}

func (i Info) String() string {
	return fmt.Sprintf("%d logical CPUs (%s), %d GPUs, %s RAM (%s available)",
		i.LogicalCPUs, i.CPUModel, len(i.GPUs),
		humanize.Bytes(i.TotalMemory), humanize.Bytes(i.AvailMemory))
}

// Detect reads CPU, memory and GPU information. Missing sources degrade to
// runtime values rather than failing.
func Detect(ctx context.Context) Info {
	info := Info{LogicalCPUs: runtime.NumCPU()}

	if n, err := cpu.Counts(true); err == nil && n > 0 {
		info.LogicalCPUs = n
	}
	if stats, err := cpu.Info(); err == nil && len(stats) > 0 {
		info.CPUModel = stats[0].ModelName
	}
	if vm, err := memory.VirtualMemory(); err == nil {
		info.TotalMemory = vm.Total
		info.AvailMemory = vm.Available
	}
	info.MemoryString = humanize.Bytes(info.TotalMemory)
	info.GPUs = detectGPUs(ctx)
	return info
}

// detectGPUs queries nvidia-smi when it is installed.
func detectGPUs(ctx context.Context) []GPU {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, path,
		"--query-gpu=index,name,memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil
	}
	return parseNvidiaSMI(out)
}

// parseNvidiaSMI parses "index, name, memoryMiB" lines.
func parseNvidiaSMI(out []byte) []GPU {
	var gpus []GPU
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ",")
		if len(fields) != 3 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		mib, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil {
			continue
		}
		gpus = append(gpus, GPU{
			Index:       idx,
			Name:        strings.TrimSpace(fields[1]),
			MemoryBytes: mib * humanize.MiByte,
		})
	}
	return gpus
}
