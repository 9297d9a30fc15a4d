package server

import (
	"encoding/json"
	"net/http"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gaspardpetit/prefork/internal/poolstate"
)

// HostStats carries coarse host load published next to the pool snapshot.
type HostStats struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

// StateResponse is the /state payload.
type StateResponse struct {
	Pool poolstate.Snapshot `json:"pool"`
	Host HostStats          `json:"host"`
}

// StateHandler serves the current pool snapshot plus host CPU and memory
// usage. Host probes are best effort; a failed probe reports zero.
func StateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StateResponse{Pool: poolstate.Get()}
		if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
			resp.Host.CPUPercent = pct[0]
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			resp.Host.MemUsedPercent = vm.UsedPercent
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
