package supervisor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

const (
	startupPollInterval = 200 * time.Millisecond
	terminateGrace      = 5 * time.Second
)

// EngineProcess is one running whisper-server instance bound to a
// single model and loopback port.
type EngineProcess struct {
	Model     string
	ModelPath string
	Port      int

	cmd     *exec.Cmd
	client  *inferenceClient
	logPath string

	done    chan struct{}
	exitErr error

	mu              sync.Mutex
	active          int
	startedAt       time.Time
	lastUsed        time.Time
	totalRequests   uint64
	partialRequests uint64
	finalRequests   uint64
	avgLatencyMs    float64
}

// ProcessStats is a point-in-time snapshot of one engine process.
type ProcessStats struct {
	Model           string    `json:"model"`
	Port            int       `json:"port"`
	PID             int       `json:"pid"`
	StartedAt       time.Time `json:"started_at"`
	LastUsed        time.Time `json:"last_used"`
	ActiveRequests  int       `json:"active_requests"`
	TotalRequests   uint64    `json:"total_requests"`
	PartialRequests uint64    `json:"partial_requests"`
	FinalRequests   uint64    `json:"final_requests"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
}

// start launches the whisper-server binary and waits for its HTTP port
// to accept connections. The stdout/stderr stream goes to a per-port
// log file under the system temp directory.
func (p *EngineProcess) start(serverBin string, threads int, startupTimeout time.Duration) error {
	logPath := filepath.Join(os.TempDir(), fmt.Sprintf("whisper-server-%d.log", p.Port))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open engine log %s: %w", logPath, err)
	}
	p.logPath = logPath

	cmd := exec.Command(serverBin,
		"-m", p.ModelPath,
		"--port", strconv.Itoa(p.Port),
		"--host", "127.0.0.1",
		"-t", strconv.Itoa(threads),
		"--print-progress", "false",
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group so terminate() never signals the parent.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start engine process: %w", err)
	}
	p.cmd = cmd
	p.done = make(chan struct{})
	p.startedAt = time.Now()
	p.lastUsed = p.startedAt

	go func() {
		p.exitErr = cmd.Wait()
		logFile.Close()
		close(p.done)
	}()

	deadline := time.Now().Add(startupTimeout)
	for {
		select {
		case <-p.done:
			return fmt.Errorf("engine process exited during startup (see %s): %w", logPath, p.exitErr)
		default:
		}

		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", p.Port), startupPollInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			p.terminate()
			return fmt.Errorf("engine did not become ready within %s (see %s)", startupTimeout, logPath)
		}
		time.Sleep(startupPollInterval)
	}
}

// alive reports whether the underlying process is still running.
// Processes created without a command (tests) count as alive until
// their done channel closes.
func (p *EngineProcess) alive() bool {
	if p.done == nil {
		return true
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// beginRequest marks a request in flight so Stop can refuse to kill a
// busy engine.
func (p *EngineProcess) beginRequest(partial bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active++
	p.totalRequests++
	if partial {
		p.partialRequests++
	} else {
		p.finalRequests++
	}
	p.lastUsed = time.Now()
}

// endRequest releases the in-flight slot and folds the request latency
// into a running average.
func (p *EngineProcess) endRequest(elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active > 0 {
		p.active--
	}
	ms := float64(elapsed.Milliseconds())
	if p.avgLatencyMs == 0 {
		p.avgLatencyMs = ms
	} else {
		p.avgLatencyMs = p.avgLatencyMs*0.9 + ms*0.1
	}
	p.lastUsed = time.Now()
}

func (p *EngineProcess) activeRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// terminate asks the process to exit with SIGTERM and escalates to
// SIGKILL if it lingers past the grace period.
func (p *EngineProcess) terminate() {
	if p.cmd == nil || p.cmd.Process == nil {
		if p.done != nil {
			select {
			case <-p.done:
			default:
				close(p.done)
			}
		}
		return
	}

	p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(terminateGrace):
		p.cmd.Process.Kill()
		<-p.done
	}
}

// Stats returns a snapshot of the process counters.
func (p *EngineProcess) Stats() ProcessStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	pid := 0
	if p.cmd != nil && p.cmd.Process != nil {
		pid = p.cmd.Process.Pid
	}
	return ProcessStats{
		Model:           p.Model,
		Port:            p.Port,
		PID:             pid,
		StartedAt:       p.startedAt,
		LastUsed:        p.lastUsed,
		ActiveRequests:  p.active,
		TotalRequests:   p.totalRequests,
		PartialRequests: p.partialRequests,
		FinalRequests:   p.finalRequests,
		AvgLatencyMs:    p.avgLatencyMs,
	}
}
