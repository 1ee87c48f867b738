package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/runtime"
	"sandbox-governor/pkg/seccomp"
)

const (
	idPrefix       = "sandbox-"
	logFileName    = "execution.log"
	destroyTimeout = 30 * time.Second
	killTimeout    = 10 * time.Second
)

var containerEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME=/tmp",
	"LANG=C.UTF-8",
	"SANDBOX=true",
}

type ManagerConfig struct {
	WorkRoot       string // Parent of per-environment directories; empty uses os.TempDir
	DiskMB         int64
	NoFile         int64
	BlockCritical  bool
	AllowedImports map[string][]string
}

// EnvironmentRequest describes the environment for one job.
type EnvironmentRequest struct {
	JobID          string
	CallerID       string
	Language       string
	Code           string
	Limits         ResourceLimits
	NetworkEnabled bool
	Driver         string // Empty picks the first configured driver
}

// Leak is an environment whose teardown failed. Its container or workdir may
// still exist on the host.
type Leak struct {
	EnvironmentID string    `json:"environment_id"`
	JobID         string    `json:"job_id"`
	Driver        string    `json:"driver"`
	WorkDir       string    `json:"work_dir"`
	Error         string    `json:"error"`
	At            time.Time `json:"at"`

	container Container
}

// Manager creates and exclusively owns isolated environments.
type Manager struct {
	cfg      ManagerConfig
	runtimes *runtime.Registry
	imports  *runtime.ImportPolicy
	detector *monitor.EscapeDetector
	metrics  *monitor.Metrics
	drivers  map[string]Driver
	order    []string
	now      func() time.Time

	mu     sync.Mutex
	envs   map[string]*Environment
	leaked map[string]*Leak
}

// NewManager creates a manager over one or more drivers.
func NewManager(cfg ManagerConfig, metrics *monitor.Metrics, drivers ...Driver) (*Manager, error) {
	if len(drivers) == 0 {
		return nil, fmt.Errorf("%w: no drivers configured", ErrRuntimeUnavailable)
	}
	if metrics == nil {
		metrics = monitor.NewMetrics()
	}
	if cfg.DiskMB <= 0 {
		cfg.DiskMB = 100
	}

	m := &Manager{
		cfg:      cfg,
		runtimes: runtime.NewRegistry(),
		imports:  runtime.NewImportPolicy(cfg.AllowedImports),
		detector: monitor.NewEscapeDetector(),
		metrics:  metrics,
		drivers:  make(map[string]Driver, len(drivers)),
		now:      time.Now,
		envs:     make(map[string]*Environment),
		leaked:   make(map[string]*Leak),
	}
	for _, d := range drivers {
		if _, dup := m.drivers[d.Name()]; dup {
			return nil, fmt.Errorf("duplicate driver %q", d.Name())
		}
		m.drivers[d.Name()] = d
		m.order = append(m.order, d.Name())
	}
	return m, nil
}

// Runtimes exposes the language registry used to validate requests.
func (m *Manager) Runtimes() *runtime.Registry { return m.runtimes }

// Drivers returns configured driver names in preference order.
func (m *Manager) Drivers() []string {
	return append([]string(nil), m.order...)
}

// Load returns the number of active containers per driver.
func (m *Manager) Load() map[string]int {
	out := make(map[string]int, len(m.order))
	for _, name := range m.order {
		out[name] = m.drivers[name].Active()
	}
	return out
}

// LeastLoaded returns the driver with the fewest active containers. Ties go
// to the earlier configured driver.
func (m *Manager) LeastLoaded() string {
	best := m.order[0]
	bestActive := m.drivers[best].Active()
	for _, name := range m.order[1:] {
		if n := m.drivers[name].Active(); n < bestActive {
			best, bestActive = name, n
		}
	}
	return best
}

// CreateEnvironment builds an environment with every restriction in place
// before any payload process exists. On error nothing is left behind.
func (m *Manager) CreateEnvironment(ctx context.Context, req EnvironmentRequest) (*Environment, error) {
	id := idPrefix + uuid.New().String()
	logger := log.With().
		Str("env_id", id).
		Str("job_id", req.JobID).
		Str("caller_id", req.CallerID).
		Str("language", req.Language).
		Logger()

	rt, driver, err := m.validate(id, &req)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, creationFailed(id, "create", err)
	}

	workDir, err := os.MkdirTemp(m.cfg.WorkRoot, id+"-*")
	if err != nil {
		return nil, creationFailed(id, "create_workdir", err)
	}

	env := &Environment{
		ID:        id,
		JobID:     req.JobID,
		CallerID:  req.CallerID,
		Language:  rt.Name(),
		Limits:    req.Limits,
		CreatedAt: m.now(),
		WorkDir:   workDir,
		Driver:    driver.Name(),
		mgr:       m,
		logger:    logger,
	}
	m.register(env)

	spec, err := m.restrict(env, rt, &req)
	if err != nil {
		logger.Warn().Err(err).Msg("restriction setup failed")
		env.Close()
		return nil, err
	}

	start := time.Now()
	container, err := driver.Create(ctx, spec)
	m.metrics.DriverLatency.WithLabelValues(driver.Name(), "create").Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Error().Err(err).Msg("environment creation failed")
		env.Close()
		if errors.Is(err, ErrEnvironmentCreationFailed) {
			return nil, &ExecutionError{ExecID: id, Op: "create_container", Err: err}
		}
		return nil, creationFailed(id, "create_container", err)
	}

	env.mu.Lock()
	env.container = container
	env.mu.Unlock()

	logger.Info().Str("driver", driver.Name()).Msg("environment created")
	return env, nil
}

// WithEnvironment creates an environment, runs fn, and tears the environment
// down however fn returns. Cancelling ctx tears it down immediately, which
// kills a running payload out from under fn.
func (m *Manager) WithEnvironment(ctx context.Context, req EnvironmentRequest, fn func(*Environment) error) error {
	env, err := m.CreateEnvironment(ctx, req)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, env.Close)
	defer func() {
		stop()
		env.Close()
	}()
	return fn(env)
}

func (m *Manager) validate(id string, req *EnvironmentRequest) (runtime.Runtime, Driver, error) {
	rt, err := m.runtimes.Get(req.Language)
	if err != nil {
		return nil, nil, &ExecutionError{ExecID: id, Op: "validate", Err: fmt.Errorf("%w: %w", ErrUnsupportedLang, err)}
	}
	if err := rt.Validate(req.Code); err != nil {
		return nil, nil, &ExecutionError{ExecID: id, Op: "validate", Err: fmt.Errorf("%w: %w", ErrInvalidRequest, err)}
	}
	if req.Limits.NoFile == 0 {
		req.Limits.NoFile = m.cfg.NoFile
	}
	if req.Limits.DiskMB == 0 {
		req.Limits.DiskMB = m.cfg.DiskMB
	}
	if err := req.Limits.Validate(); err != nil {
		return nil, nil, &ExecutionError{ExecID: id, Op: "validate", Err: err}
	}

	name := req.Driver
	if name == "" {
		name = m.order[0]
	}
	driver, ok := m.drivers[name]
	if !ok {
		return nil, nil, creationFailed(id, "select_driver", fmt.Errorf("%w: %q", ErrRuntimeUnavailable, name))
	}
	return rt, driver, nil
}

// restrict applies load-time restrictions and prepares the host side of the
// environment. Every rejection is an ErrRestrictionSetupFailed.
func (m *Manager) restrict(env *Environment, rt runtime.Runtime, req *EnvironmentRequest) (*ContainerSpec, error) {
	if err := m.imports.Check(rt, req.Code); err != nil {
		m.metrics.RecordSecurityEvent("import_denied")
		return nil, restrictionFailed(env.ID, "check_imports", err)
	}

	findings := m.detector.AnalyzeCode(env.logger, req.Code)
	for _, f := range findings {
		m.metrics.RecordSecurityEvent(f.Pattern)
	}
	if m.cfg.BlockCritical && m.detector.Blocks(findings) {
		return nil, restrictionFailed(env.ID, "scan_code",
			fmt.Errorf("%w: %v", ErrEscapePattern, findings.Names()))
	}

	seccompPath, err := seccomp.WriteProfile(env.WorkDir, req.NetworkEnabled)
	if err != nil {
		return nil, restrictionFailed(env.ID, "write_seccomp", err)
	}

	codeName := "code" + rt.FileExtension()
	codeFile := filepath.Join(env.WorkDir, codeName)
	if err := os.WriteFile(codeFile, []byte(req.Code), 0o600); err != nil {
		return nil, creationFailed(env.ID, "write_code", err)
	}
	if err := os.Chmod(codeFile, 0o444); err != nil { // #nosec G302 -- container runs as nobody (UID 65534)
		return nil, creationFailed(env.ID, "chmod_code", err)
	}

	codePath := "/workspace/" + codeName
	return &ContainerSpec{
		ID:          env.ID,
		Image:       rt.Image(),
		Command:     rt.Command(codePath),
		HostDir:     env.WorkDir,
		CodeFile:    codeFile,
		CodePath:    codePath,
		SeccompPath: seccompPath,
		Limits:      req.Limits,
		Network:     req.NetworkEnabled,
		Env:         append([]string(nil), containerEnv...),
	}, nil
}

func (m *Manager) register(env *Environment) {
	m.mu.Lock()
	m.envs[env.ID] = env
	m.mu.Unlock()
	m.metrics.ActiveEnvironments.WithLabelValues(env.Driver).Inc()
}

func (m *Manager) release(env *Environment, container Container, err error) {
	m.mu.Lock()
	delete(m.envs, env.ID)
	if err != nil {
		m.leaked[env.ID] = &Leak{
			EnvironmentID: env.ID,
			JobID:         env.JobID,
			Driver:        env.Driver,
			WorkDir:       env.WorkDir,
			Error:         err.Error(),
			At:            m.now(),
			container:     container,
		}
	}
	m.mu.Unlock()
	m.metrics.ActiveEnvironments.WithLabelValues(env.Driver).Dec()
	if err != nil {
		m.metrics.EnvironmentLeaks.WithLabelValues(env.Driver).Inc()
	}
}

// Active returns the number of environments not yet closed.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.envs)
}

// Leaked returns environments whose teardown failed, oldest first.
func (m *Manager) Leaked() []Leak {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Leak, 0, len(m.leaked))
	for _, l := range m.leaked {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Reconcile retries teardown of leaked environments and returns how many it
// cleared.
func (m *Manager) Reconcile(ctx context.Context) int {
	m.mu.Lock()
	pending := make([]*Leak, 0, len(m.leaked))
	for _, l := range m.leaked {
		pending = append(pending, l)
	}
	m.mu.Unlock()

	var cleared int
	for _, l := range pending {
		if err := destroy(ctx, l.container, l.WorkDir); err != nil {
			log.Warn().Err(err).Str("env_id", l.EnvironmentID).Msg("leaked environment still not removable")
			continue
		}
		m.mu.Lock()
		delete(m.leaked, l.EnvironmentID)
		m.mu.Unlock()
		cleared++
	}
	if cleared > 0 {
		log.Info().Int("count", cleared).Msg("reconciled leaked environments")
	}
	return cleared
}

// CleanupOrphaned asks every driver to remove containers from previous runs.
func (m *Manager) CleanupOrphaned(ctx context.Context) int {
	var total int
	for _, name := range m.order {
		n, err := m.drivers[name].CleanupOrphaned(ctx)
		if err != nil {
			log.Warn().Err(err).Str("driver", name).Msg("failed to cleanup orphaned containers")
			continue
		}
		total += n
	}
	return total
}

// Close tears down every open environment and closes the drivers.
func (m *Manager) Close() error {
	m.mu.Lock()
	open := make([]*Environment, 0, len(m.envs))
	for _, env := range m.envs {
		open = append(open, env)
	}
	m.mu.Unlock()

	for _, env := range open {
		env.Close()
	}

	var errs []error
	for _, name := range m.order {
		if err := m.drivers[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s driver: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Environment is an isolated execution context for exactly one job.
type Environment struct {
	ID        string
	JobID     string
	CallerID  string
	Language  string
	Limits    ResourceLimits
	CreatedAt time.Time
	WorkDir   string
	Driver    string

	mgr       *Manager
	logger    zerolog.Logger
	closeOnce sync.Once

	mu        sync.Mutex
	container Container
	proc      Process
	logFile   *os.File
	closed    bool
}

// Start launches the payload. stdout and stderr are written to
// execution.log in the environment's workdir.
func (e *Environment) Start(ctx context.Context) (Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, &ExecutionError{ExecID: e.ID, Op: "start", Err: ErrDriverClosed}
	}
	if e.proc != nil {
		return nil, &ExecutionError{ExecID: e.ID, Op: "start", Err: fmt.Errorf("%w: already started", ErrInvalidRequest)}
	}

	f, err := os.OpenFile(filepath.Join(e.WorkDir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, creationFailed(e.ID, "open_log", err)
	}

	start := time.Now()
	proc, err := e.container.Start(ctx, f, f)
	e.mgr.metrics.DriverLatency.WithLabelValues(e.Driver, "start").Observe(time.Since(start).Seconds())
	if err != nil {
		_ = f.Close()
		if errors.Is(err, ErrEnvironmentCreationFailed) {
			return nil, &ExecutionError{ExecID: e.ID, Op: "start", Err: err}
		}
		return nil, creationFailed(e.ID, "start", err)
	}

	e.logFile = f
	e.proc = proc
	e.logger.Info().Msg("payload started")
	return proc, nil
}

// Wait blocks until p exits, bounded by timeout. On expiry the payload is
// killed and ErrExecutionTimeout returned. A cancelled ctx kills it too.
func (e *Environment) Wait(ctx context.Context, p Process, timeout time.Duration) (int, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	code, err := p.Wait(waitCtx)
	if err == nil {
		// A cancelled ctx tears the environment down, which can surface as a
		// plain exit of the killed payload.
		if ctx.Err() != nil {
			return -1, &ExecutionError{ExecID: e.ID, Op: "wait", Err: ctx.Err()}
		}
		return code, nil
	}

	killCtx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if kerr := p.Kill(killCtx); kerr != nil {
		e.logger.Warn().Err(kerr).Msg("failed to kill payload")
	}

	switch {
	case ctx.Err() != nil:
		return -1, &ExecutionError{ExecID: e.ID, Op: "wait", Err: ctx.Err()}
	case errors.Is(waitCtx.Err(), context.DeadlineExceeded):
		e.logger.Warn().Dur("timeout", timeout).Msg("execution timed out, payload killed")
		return -1, &ExecutionError{ExecID: e.ID, Op: "wait", Err: fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)}
	default:
		return -1, &ExecutionError{ExecID: e.ID, Op: "wait", Err: err}
	}
}

// ExportLog returns up to max bytes of captured output. It must be called
// before Close; afterwards the log is gone.
func (e *Environment) ExportLog(max int) ([]byte, error) {
	f, err := os.Open(filepath.Join(e.WorkDir, logFileName))
	if err != nil {
		return nil, fmt.Errorf("opening execution log: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(max)+1))
	if err != nil {
		return nil, fmt.Errorf("reading execution log: %w", err)
	}
	if max > 0 && len(data) > max {
		data = append(data[:max], []byte("\n... [output truncated]")...)
	}
	return data, nil
}

// Close tears the environment down. Every exit path funnels through here
// and only the first call does work. A failed teardown is recorded as a leak
// on the manager, never returned.
func (e *Environment) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		container := e.container
		proc := e.proc
		logFile := e.logFile
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()

		if proc != nil {
			_ = proc.Kill(ctx)
		}
		if logFile != nil {
			_ = logFile.Close()
		}

		start := time.Now()
		err := destroy(ctx, container, e.WorkDir)
		e.mgr.metrics.DriverLatency.WithLabelValues(e.Driver, "destroy").Observe(time.Since(start).Seconds())
		if err != nil {
			e.logger.Error().Err(err).Msg("environment teardown failed, resources leaked")
		} else {
			e.logger.Debug().Msg("environment destroyed")
		}
		e.mgr.release(e, container, err)
	})
}

func destroy(ctx context.Context, container Container, workDir string) error {
	var errs []error
	if container != nil {
		if err := container.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("destroying container: %w", err))
		}
	}
	if workDir != "" {
		if err := os.RemoveAll(workDir); err != nil {
			errs = append(errs, fmt.Errorf("removing workdir: %w", err))
		}
	}
	return errors.Join(errs...)
}
