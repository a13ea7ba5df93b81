// Package profile derives the security and resource profile the host should
// apply while executing a step. Derivation is pure; nothing here enforces
// the profile.
package profile

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/example/ccos-lite/internal/domain"
)

// Isolation is the isolation level a step requires.
type Isolation string

const (
	IsolationInherit   Isolation = "inherit"
	IsolationIsolated  Isolation = "isolated"
	IsolationSandboxed Isolation = "sandboxed"
)

func (i Isolation) rank() int {
	switch i {
	case IsolationSandboxed:
		return 2
	case IsolationIsolated:
		return 1
	default:
		return 0
	}
}

// Limits are resource ceilings for a step.
type Limits struct {
	MaxExecutionTime    time.Duration `json:"max_execution_time"`
	MaxMemoryBytes      uint64        `json:"max_memory_bytes"`
	MaxCPU              float64       `json:"max_cpu"`
	MaxIOOps            int           `json:"max_io_ops"`
	MaxNetworkBandwidth uint64        `json:"max_network_bandwidth"`
}

// Flags are the security switches the host should enable.
type Flags struct {
	SyscallFilter    bool `json:"syscall_filter"`
	NetworkACL       bool `json:"network_acl"`
	FSACL            bool `json:"fs_acl"`
	MemoryProtection bool `json:"memory_protection"`
	CPUMonitoring    bool `json:"cpu_monitoring"`
	LogSyscalls      bool `json:"log_syscalls"`
	ReadOnlyFS       bool `json:"read_only_fs"`
}

// NetworkPolicy describes outbound network access.
type NetworkPolicy struct {
	Mode      string   `json:"mode"` // denied | allow_list
	AllowList []string `json:"allow_list,omitempty"`
}

// FilesystemPolicy describes file system access.
type FilesystemPolicy struct {
	Mode  string   `json:"mode"` // none | read_write
	Paths []string `json:"paths,omitempty"`
}

// Profile is the derived profile of one step.
type Profile struct {
	ID            string           `json:"id"`
	StepName      string           `json:"step_name"`
	Isolation     Isolation        `json:"isolation"`
	Limits        Limits           `json:"limits"`
	Flags         Flags            `json:"flags"`
	Network       NetworkPolicy    `json:"network"`
	Filesystem    FilesystemPolicy `json:"filesystem"`
	Deterministic bool             `json:"deterministic"`
}

// Map renders the profile as the opaque metadata carried on a context.
func (p Profile) Map() map[string]any {
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// Ambient is what the deriver knows about the enclosing execution.
type Ambient struct {
	// Parent is the isolation of the enclosing step, if any. A nested step
	// never runs with weaker isolation than its parent.
	Parent Isolation

	// DefaultNetworkAllowList is granted to steps that need the network.
	DefaultNetworkAllowList []string

	// DefaultWritablePaths is granted to steps that touch files.
	DefaultWritablePaths []string
}

var (
	networkKeywords   = []string{"http-fetch", "http.fetch", "network", "socket", "fetch", "http"}
	fileKeywords      = []string{"file", "io", "read", "write", "open"}
	systemKeywords    = []string{"system", "exec", "shell", "process"}
	intensiveKeywords = []string{"loop", "iterate", "compute", "process", "analyze"}
)

const (
	mib = 1024 * 1024
	gib = 1024 * mib
)

func baseLimits() Limits {
	return Limits{
		MaxExecutionTime:    30 * time.Second,
		MaxMemoryBytes:      256 * mib,
		MaxCPU:              1.0,
		MaxIOOps:            1000,
		MaxNetworkBandwidth: 1 * mib,
	}
}

type classification struct {
	network, file, system, external, intensive bool
	effects                                    bool
}

// Derive computes the profile of step under the plan's constraints.
func Derive(step *domain.Step, c domain.Constraints, amb Ambient) Profile {
	caps := capabilities(step.Body, nil)
	cl := classify(caps)

	p := Profile{
		ID:            "profile-" + step.ID,
		StepName:      step.Name,
		Isolation:     isolation(cl),
		Limits:        limits(cl),
		Flags:         flags(cl),
		Deterministic: !cl.effects,
	}
	if p.StepName == "" {
		p.StepName = step.ID
	}

	p.Network = NetworkPolicy{Mode: "denied"}
	if cl.network {
		allow := amb.DefaultNetworkAllowList
		if allow == nil {
			allow = []string{"api.example.com"}
		}
		p.Network = NetworkPolicy{Mode: "allow_list", AllowList: append([]string(nil), allow...)}
	}
	p.Filesystem = FilesystemPolicy{Mode: "none"}
	if cl.file {
		paths := amb.DefaultWritablePaths
		if paths == nil {
			paths = []string{"/tmp", "/app/data"}
		}
		p.Filesystem = FilesystemPolicy{Mode: "read_write", Paths: append([]string(nil), paths...)}
	}

	adjust(&p, c)
	// A step runs inside its parent, so constraints never relax below it.
	if amb.Parent.rank() > p.Isolation.rank() {
		p.Isolation = amb.Parent
	}

	if step.Timeout > 0 && step.Timeout < p.Limits.MaxExecutionTime {
		p.Limits.MaxExecutionTime = step.Timeout
	}
	return p
}

func capabilities(body []domain.Op, out []string) []string {
	for _, op := range body {
		switch op.Kind {
		case domain.OpEffect:
			out = append(out, strings.ToLower(op.Capability))
		case domain.OpStep:
			if op.Step != nil {
				out = capabilities(op.Step.Body, out)
			}
		}
	}
	return out
}

func classify(caps []string) classification {
	var cl classification
	cl.effects = len(caps) > 0
	for _, c := range caps {
		cl.network = cl.network || containsAny(c, networkKeywords)
		cl.file = cl.file || containsAny(c, fileKeywords)
		cl.system = cl.system || containsAny(c, systemKeywords)
		cl.intensive = cl.intensive || containsAny(c, intensiveKeywords)
		cl.external = cl.external || isExternalProgram(c)
	}
	return cl
}

func isExternalProgram(c string) bool {
	return c == "system" || c == "system.execute" ||
		strings.Contains(c, "exec") || strings.Contains(c, "shell") || strings.Contains(c, "process.run")
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func isolation(cl classification) Isolation {
	switch {
	case cl.system || cl.external:
		return IsolationSandboxed
	case cl.network || cl.file:
		return IsolationIsolated
	default:
		return IsolationInherit
	}
}

func limits(cl classification) Limits {
	l := baseLimits()
	switch {
	case cl.intensive:
		l.MaxExecutionTime = 300 * time.Second
		l.MaxMemoryBytes = 1 * gib
		l.MaxCPU = 2.0
	case cl.network:
		l.MaxExecutionTime = 120 * time.Second
		l.MaxNetworkBandwidth = 10 * mib
	case cl.file:
		l.MaxExecutionTime = 60 * time.Second
		l.MaxIOOps = 5000
	}
	return l
}

func flags(cl classification) Flags {
	f := Flags{
		MemoryProtection: true,
		CPUMonitoring:    true,
		NetworkACL:       cl.network,
		FSACL:            cl.file,
	}
	// Syscall filtering only for explicit system operations.
	if cl.system {
		f.SyscallFilter = true
		f.LogSyscalls = true
		f.ReadOnlyFS = true
	}
	return f
}

// adjust downgrades isolation the constraints do not allow and clamps
// limits to the plan's ceilings.
func adjust(p *Profile, c domain.Constraints) {
	allowed := func(i Isolation) bool {
		switch i {
		case IsolationSandboxed:
			return c.AllowSandboxed == nil || *c.AllowSandboxed
		case IsolationIsolated:
			return c.AllowIsolated == nil || *c.AllowIsolated
		default:
			return true
		}
	}
	if !allowed(p.Isolation) {
		switch p.Isolation {
		case IsolationSandboxed:
			if allowed(IsolationIsolated) {
				p.Isolation = IsolationIsolated
			} else {
				p.Isolation = IsolationInherit
			}
		case IsolationIsolated:
			p.Isolation = IsolationInherit
		}
	}

	if c.MaxExecutionTime > 0 && p.Limits.MaxExecutionTime > c.MaxExecutionTime {
		p.Limits.MaxExecutionTime = c.MaxExecutionTime
	}
	if c.MaxMemoryBytes > 0 && p.Limits.MaxMemoryBytes > c.MaxMemoryBytes {
		p.Limits.MaxMemoryBytes = c.MaxMemoryBytes
	}
	if c.MaxCPU > 0 && p.Limits.MaxCPU > c.MaxCPU {
		p.Limits.MaxCPU = c.MaxCPU
	}
}
