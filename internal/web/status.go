package web

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"rcvehicle/internal/loop"
	"rcvehicle/internal/telemetry"
)

// Info is the static part of the status page, set once at startup.
type Info struct {
	Sensors   string `json:"sensors"`
	Actuators string `json:"actuators"`
	Period    string `json:"period"`
	UDPDest   string `json:"udp_dest,omitempty"`
	Storage   string `json:"storage,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

type Status struct {
	start time.Time
	info  atomic.Pointer[Info]
}

func NewStatus() *Status {
	s := &Status{start: time.Now().UTC()}
	s.info.Store(&Info{})
	return s
}

func (s *Status) SetInfo(info Info) {
	s.info.Store(&info)
}

type BuildInfo struct {
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
	BuildTime  string `json:"build_time,omitempty"`
}

type StatusSnapshot struct {
	Service   string             `json:"service"`
	NowUTC    string             `json:"now_utc"`
	UptimeSec int64              `json:"uptime_sec"`
	Info      Info               `json:"info"`
	Loop      loop.Status        `json:"loop"`
	Policy    string             `json:"policy"`
	Last      *telemetry.Message `json:"last,omitempty"`
	Healthy   bool               `json:"healthy"`

	StreamSubscribers int    `json:"stream_subscribers"`
	StreamDropped     uint64 `json:"stream_dropped"`

	Disk    *DiskSnapshot    `json:"disk,omitempty"`
	Network *NetworkSnapshot `json:"network,omitempty"`
	Board   *BoardSnapshot   `json:"board,omitempty"`
	Build   BuildInfo        `json:"build"`
}

type DiskSnapshot struct {
	Path       string `json:"path"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
	AvailBytes uint64 `json:"avail_bytes"`
	LastError  string `json:"last_error,omitempty"`
}

type NetworkSnapshot struct {
	LocalAddrs []string `json:"local_addrs"`
}

func (s *Status) Snapshot(nowUTC time.Time, ctl Controller, hub *telemetry.Hub) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	info := *s.info.Load()
	snap := StatusSnapshot{
		Service:   "rcvehicle",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(s.start).Seconds()),
		Info:      info,
		Build:     readBuildInfo(),
	}
	if ctl != nil {
		snap.Loop = ctl.Status()
		if p := ctl.Policy(); p != nil {
			snap.Policy = p.Name()
		}
		if last, ok := ctl.Latest(); ok {
			m := telemetry.NewMessage(last)
			snap.Last = &m
			snap.Healthy = snap.Loop.Phase == loop.Running && m.Healthy()
		}
	}
	if hub != nil {
		snap.StreamSubscribers = hub.Subscribers()
		snap.StreamDropped = hub.Dropped()
	}
	diskPath := "/"
	if info.Storage != "" {
		diskPath = info.Storage
	}
	snap.Disk = snapshotDisk(diskPath)
	snap.Network = snapshotNetwork()
	snap.Board = snapshotBoard()
	return snap
}

func readBuildInfo() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.ModulePath = bi.Main.Path
	out.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.modified":
			out.Dirty = s.Value == "true"
		case "vcs.time":
			out.BuildTime = s.Value
		}
	}
	return out
}
