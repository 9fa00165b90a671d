package main

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// hostPosture reports a one-line host resource summary (load average,
// memory headroom, this process's open file descriptor count) for
// "quotectl doctor", per SPEC_FULL.md's domain-stack wiring of gopsutil.
func hostPosture() (string, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return "", fmt.Errorf("memory: %w", err)
	}

	avg, err := load.Avg()
	if err != nil {
		return "", fmt.Errorf("load: %w", err)
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return "", fmt.Errorf("process handle: %w", err)
	}
	fds, err := proc.OpenFiles()
	if err != nil {
		return "", fmt.Errorf("open files: %w", err)
	}

	return fmt.Sprintf("load1=%.2f mem_used=%.1f%% open_fds=%d", avg.Load1, vm.UsedPercent, len(fds)), nil
}
