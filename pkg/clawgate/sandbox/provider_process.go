//go:build !windows

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// trustedBinDirs are the only directories a command binary may resolve
// from. A writable directory earlier in PATH cannot shadow a system binary.
var trustedBinDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/local/sbin",
	"/usr/sbin",
	"/sbin",
}

// EgressGranter hands out per-instance proxy credentials for allowlisted
// egress. *egress.Proxy implements it.
type EgressGranter interface {
	Grant(instanceID string, hosts []string) (proxyURL string, err error)
	Revoke(instanceID string)
}

// ProcessProvider backs instances with a private working directory on the
// host and runs commands as process groups inside it. With
// IsolationRestricted every command also gets its own PID, mount and user
// namespaces, plus a network namespace when the instance has no egress.
type ProcessProvider struct {
	rootDir   string
	isolation IsolationLevel
	golden    map[string]string
	env       *EnvPolicy
	egress    EgressGranter
	logger    *slog.Logger

	mu        sync.Mutex
	instances map[string]*procInstance
}

type procInstance struct {
	id       string
	dir      string
	spec     Spec
	golden   string
	proxyURL string

	mu      sync.Mutex
	running map[int]struct{} // process group ids
}

// NewProcessProvider creates the process backend. egress may be nil, in
// which case instances with an egress allowlist fail to create.
func NewProcessProvider(cfg Config, egress EgressGranter, logger *slog.Logger) (*ProcessProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sandbox_process")

	root := cfg.RootDir
	if root == "" {
		root = DefaultConfig().RootDir
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating sandbox root %s: %w", root, err)
	}

	isolation := cfg.Isolation
	if isolation == "" {
		isolation = IsolationRestricted
	}
	if isolation == IsolationRestricted && !namespacesAvailable() {
		logger.Warn("user namespaces unavailable, falling back to unisolated process sandbox")
		isolation = IsolationNone
	}

	golden := make(map[string]string, len(cfg.Classes))
	for name, cls := range cfg.Classes {
		if cls.GoldenDir == "" {
			continue
		}
		info, err := os.Stat(cls.GoldenDir)
		if err != nil {
			return nil, fmt.Errorf("class %q golden dir: %w", name, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("class %q golden dir %s is not a directory", name, cls.GoldenDir)
		}
		golden[name] = cls.GoldenDir
	}

	return &ProcessProvider{
		rootDir:   root,
		isolation: isolation,
		golden:    golden,
		env:       NewEnvPolicy(cfg),
		egress:    egress,
		logger:    logger,
		instances: make(map[string]*procInstance),
	}, nil
}

// Name returns the backend name.
func (p *ProcessProvider) Name() string { return "process" }

// Isolation returns the isolation level actually in effect.
func (p *ProcessProvider) Isolation() IsolationLevel { return p.isolation }

// Create provisions the instance directory from the class golden state.
func (p *ProcessProvider) Create(ctx context.Context, id string, spec Spec) error {
	if strings.ContainsAny(id, `/\`) || id == "" || id == "." || id == ".." {
		return fmt.Errorf("invalid instance id %q", id)
	}
	inst := &procInstance{
		id:      id,
		dir:     filepath.Join(p.rootDir, id),
		spec:    spec.Normalize(),
		golden:  p.golden[spec.Class],
		running: make(map[int]struct{}),
	}

	if err := p.populate(ctx, inst); err != nil {
		_ = removeTree(inst.dir)
		return err
	}

	if len(inst.spec.Egress) > 0 {
		if p.egress == nil {
			_ = removeTree(inst.dir)
			return fmt.Errorf("instance %s requests egress but no egress proxy is configured", id)
		}
		proxyURL, err := p.egress.Grant(id, inst.spec.Egress)
		if err != nil {
			_ = removeTree(inst.dir)
			return fmt.Errorf("granting egress for %s: %w", id, err)
		}
		inst.proxyURL = proxyURL
	}

	p.mu.Lock()
	p.instances[id] = inst
	p.mu.Unlock()
	return nil
}

// Exec runs cmd inside the instance directory.
func (p *ProcessProvider) Exec(ctx context.Context, id string, c Command, stdout, stderr io.Writer) (ExecResult, error) {
	inst := p.get(id)
	if inst == nil {
		return ExecResult{}, fmt.Errorf("instance %s: %w", id, ErrCrashed)
	}
	if len(c.Argv) == 0 {
		return ExecResult{}, fmt.Errorf("empty command")
	}

	bin, err := verifyTrustedBin(c.Argv[0])
	if err != nil {
		return ExecResult{ExitCode: 127}, fmt.Errorf("command path verification failed for %q: %w", c.Argv[0], err)
	}
	shell, err := verifyTrustedBin("sh")
	if err != nil {
		return ExecResult{}, fmt.Errorf("locating sh: %w", err)
	}

	// The shell applies rlimits to itself and then execs the real binary,
	// so the limits are inherited without touching the gateway process.
	readOnly := p.isolation == IsolationRestricted && inst.spec.Mount == MountReadOnly
	args := append([]string{"-c", limitScript(inst.spec.Limits, readOnly), "clawgate-sandbox", bin}, c.Argv[1:]...)
	cmd := exec.CommandContext(ctx, shell, args...)
	cmd.Dir = inst.dir
	cmd.Env = p.buildEnv(inst, c.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	cmd.SysProcAttr = isolationAttrs(p.isolation, len(inst.spec.Egress) > 0)
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ExecResult{}, fmt.Errorf("starting command: %w", err)
	}
	pgid := cmd.Process.Pid
	inst.mu.Lock()
	inst.running[pgid] = struct{}{}
	inst.mu.Unlock()

	err = cmd.Wait()

	inst.mu.Lock()
	delete(inst.running, pgid)
	inst.mu.Unlock()
	// Reap stragglers the command left in its group.
	_ = syscall.Kill(-pgid, syscall.SIGKILL)

	result := ExecResult{Duration: time.Since(start)}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			result.Killed = true
			result.KillReason = "cancelled"
			return result, nil
		}
		return result, fmt.Errorf("running command: %w", err)
	}

	result.ExitCode = exitErr.ExitCode()
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		result.Killed = true
		switch status.Signal() {
		case syscall.SIGKILL:
			result.KillReason = "killed"
		case syscall.SIGXCPU:
			result.KillReason = "cpu_limit"
		default:
			result.KillReason = fmt.Sprintf("signal_%d", status.Signal())
		}
	}
	if ctx.Err() != nil {
		result.Killed = true
		result.KillReason = "cancelled"
	}
	return result, nil
}

// Reset kills anything still running and restores the golden state.
func (p *ProcessProvider) Reset(ctx context.Context, id string) error {
	inst := p.get(id)
	if inst == nil {
		return fmt.Errorf("instance %s: %w", id, ErrCrashed)
	}
	inst.killAll()
	if err := removeTree(inst.dir); err != nil {
		return fmt.Errorf("wiping instance %s: %w", id, err)
	}
	return p.populate(ctx, inst)
}

// Heartbeat checks that the instance directory still exists.
func (p *ProcessProvider) Heartbeat(_ context.Context, id string) error {
	inst := p.get(id)
	if inst == nil {
		return fmt.Errorf("instance %s: %w", id, ErrCrashed)
	}
	info, err := os.Stat(inst.dir)
	if err != nil {
		return fmt.Errorf("instance %s: %w", id, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("instance %s: workspace is not a directory", id)
	}
	return nil
}

// Terminate kills every process of the instance and removes its directory.
// Unknown ids are a no-op.
func (p *ProcessProvider) Terminate(_ context.Context, id string) error {
	p.mu.Lock()
	inst := p.instances[id]
	delete(p.instances, id)
	p.mu.Unlock()
	if inst == nil {
		return nil
	}

	inst.killAll()
	if inst.proxyURL != "" && p.egress != nil {
		p.egress.Revoke(id)
	}
	if err := removeTree(inst.dir); err != nil {
		return fmt.Errorf("removing instance %s: %w", id, err)
	}
	return nil
}

// Dir returns the working directory of an instance.
func (p *ProcessProvider) Dir(id string) (string, bool) {
	inst := p.get(id)
	if inst == nil {
		return "", false
	}
	return inst.dir, true
}

// ---------- Internal ----------

func (p *ProcessProvider) get(id string) *procInstance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instances[id]
}

func (p *ProcessProvider) populate(ctx context.Context, inst *procInstance) error {
	if err := os.MkdirAll(inst.dir, 0o700); err != nil {
		return fmt.Errorf("creating instance dir: %w", err)
	}
	if inst.golden != "" {
		if err := copyTree(ctx, inst.golden, inst.dir); err != nil {
			return fmt.Errorf("copying golden state: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(inst.dir, ".tmp"), 0o700); err != nil {
		return fmt.Errorf("creating instance tmp: %w", err)
	}
	if inst.spec.Mount == MountReadOnly {
		return setWritable(inst.dir, false)
	}
	return nil
}

// buildEnv creates a minimal environment: fixed base variables, the
// filtered caller variables, and the proxy settings when egress is granted.
func (p *ProcessProvider) buildEnv(inst *procInstance, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + inst.dir,
		"TMPDIR=" + filepath.Join(inst.dir, ".tmp"),
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
		"TERM=dumb",
	}
	env = append(env, p.env.Filter(extra)...)
	if inst.proxyURL != "" {
		env = append(env,
			"HTTP_PROXY="+inst.proxyURL,
			"HTTPS_PROXY="+inst.proxyURL,
			"http_proxy="+inst.proxyURL,
			"https_proxy="+inst.proxyURL,
		)
	}
	return env
}

func (inst *procInstance) killAll() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for pgid := range inst.running {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// roMountScript bind-mounts the working directory read-only over itself.
// It runs as namespace root inside the command's private mount namespace;
// the command never starts if the mount fails.
const roMountScript = `d=$(pwd -P) && mount --bind "$d" "$d" && mount -o remount,bind,ro "$d" && cd "$d" ` +
	`|| { echo "clawgate-sandbox: read-only workspace mount failed" >&2; exit 126; }; `

// limitScript is the sh prologue that applies memory and CPU-time limits
// before exec'ing the command. The CPU budget is the wall clock scaled by
// the CPU share. readOnly prepends the read-only workspace mount.
func limitScript(l Limits, readOnly bool) string {
	var b strings.Builder
	if readOnly {
		b.WriteString(roMountScript)
	}
	if l.MemoryMB > 0 {
		b.WriteString("ulimit -v " + strconv.Itoa(l.MemoryMB*1024) + " 2>/dev/null; ")
	}
	if l.WallClock > 0 && l.CPUPercent > 0 {
		cpu := int(l.WallClock.Seconds()*float64(l.CPUPercent)/100 + 0.999)
		b.WriteString("ulimit -t " + strconv.Itoa(max(cpu, 1)) + " 2>/dev/null; ")
	}
	b.WriteString(`exec "$@"`)
	return b.String()
}

// verifyTrustedBin resolves a binary name (or absolute path) and confirms it
// lives under one of trustedBinDirs. Symlink entries are accepted as long as
// the entry itself is in a trusted directory.
func verifyTrustedBin(name string) (string, error) {
	if filepath.IsAbs(name) {
		name = filepath.Clean(name)
	}
	resolved, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("binary not found: %w", err)
	}
	resolved = filepath.Clean(resolved)
	for _, trusted := range trustedBinDirs {
		if strings.HasPrefix(resolved, trusted+"/") {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("resolved binary %q is not in a trusted directory (allowed: %v)",
		resolved, trustedBinDirs)
}

// copyTree copies regular files and directories from src into dst.
// Symlinks and special files are skipped.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o700)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(path, target, info.Mode().Perm()|0o600)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// setWritable toggles owner write permission on every entry under root.
// The instance tmp directory always stays writable.
func setWritable(root string, writable bool) error {
	tmp := filepath.Join(root, ".tmp")
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == tmp && d.IsDir() {
			return filepath.SkipDir
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode().Perm()
		if writable {
			mode |= 0o200
		} else {
			mode &^= 0o222
		}
		return os.Chmod(path, mode)
	})
}

func removeTree(dir string) error {
	if _, err := os.Lstat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	_ = setWritable(dir, true)
	return os.RemoveAll(dir)
}
