package sandbox

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/runtime"
)

type fakeDriver struct {
	name      string
	createErr error
	active    atomic.Int64

	mu         sync.Mutex
	destroyErr error
	specs      []*ContainerSpec
	last       *fakeContainer
}

func (d *fakeDriver) setDestroyErr(err error) {
	d.mu.Lock()
	d.destroyErr = err
	d.mu.Unlock()
}

func newFakeDriver(name string) *fakeDriver { return &fakeDriver{name: name} }

func (d *fakeDriver) Name() string { return d.name }
func (d *fakeDriver) Active() int  { return int(d.active.Load()) }
func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) CleanupOrphaned(context.Context) (int, error) { return 0, nil }

func (d *fakeDriver) Create(_ context.Context, spec *ContainerSpec) (Container, error) {
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.active.Add(1)
	c := &fakeContainer{driver: d, id: spec.ID, exit: make(chan int, 1)}
	d.mu.Lock()
	d.specs = append(d.specs, spec)
	d.last = c
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDriver) lastContainer() *fakeContainer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

type fakeContainer struct {
	driver    *fakeDriver
	id        string
	exit      chan int
	destroyed atomic.Int32
	killed    atomic.Bool
	output    string
}

func (c *fakeContainer) ID() string { return c.id }

func (c *fakeContainer) Start(_ context.Context, stdout, _ io.Writer) (Process, error) {
	if c.output != "" {
		_, _ = io.WriteString(stdout, c.output)
	}
	return &fakeProcess{c: c}, nil
}

func (c *fakeContainer) Destroy(context.Context) error {
	c.driver.mu.Lock()
	err := c.driver.destroyErr
	c.driver.mu.Unlock()
	if err != nil {
		return err
	}
	if c.destroyed.Add(1) == 1 {
		c.driver.active.Add(-1)
	}
	return nil
}

type fakeProcess struct{ c *fakeContainer }

func (p *fakeProcess) Read(context.Context) (monitor.Reading, error) {
	return monitor.Reading{}, nil
}

func (p *fakeProcess) Wait(ctx context.Context) (int, error) {
	select {
	case code := <-p.c.exit:
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *fakeProcess) Kill(context.Context) error {
	p.c.killed.Store(true)
	return nil
}

func newTestManager(t *testing.T, cfg ManagerConfig, drivers ...Driver) *Manager {
	t.Helper()
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = t.TempDir()
	}
	m, err := NewManager(cfg, monitor.NewMetrics(), drivers...)
	require.NoError(t, err)
	return m
}

func pyRequest(code string) EnvironmentRequest {
	return EnvironmentRequest{
		JobID:    "job-1",
		CallerID: "caller-1",
		Language: "python",
		Code:     code,
		Limits:   DefaultLimits(),
	}
}

func TestCreateEnvironment_PreparesRestrictions(t *testing.T) {
	d := newFakeDriver("fake")
	m := newTestManager(t, ManagerConfig{BlockCritical: true}, d)

	env, err := m.CreateEnvironment(context.Background(), pyRequest("import numpy\nprint(1)\n"))
	require.NoError(t, err)
	defer env.Close()

	assert.Regexp(t, `^sandbox-[0-9a-f-]{36}$`, env.ID)
	assert.Equal(t, "fake", env.Driver)
	assert.Equal(t, 1, m.Active())

	require.Len(t, d.specs, 1)
	spec := d.specs[0]
	assert.Equal(t, "/workspace/code.py", spec.CodePath)
	assert.FileExists(t, spec.SeccompPath)
	assert.FileExists(t, spec.CodeFile)
	assert.Equal(t, filepath.Dir(spec.CodeFile), env.WorkDir)

	info, err := os.Stat(spec.CodeFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())
}

func TestCreateEnvironment_RestrictionFailures(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"blocked import", "import subprocess\nsubprocess.run(['id'])\n"},
		{"unlisted import", "import requests\n"},
		{"dynamic import", "m = __import__('o' + 's')\n"},
		{"critical escape pattern", "import math\nopen('/sys/fs/cgroup/release_agent', 'w')\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDriver("fake")
			root := t.TempDir()
			m := newTestManager(t, ManagerConfig{WorkRoot: root, BlockCritical: true}, d)

			env, err := m.CreateEnvironment(context.Background(), pyRequest(tt.code))
			require.Error(t, err)
			assert.Nil(t, env)
			assert.True(t, IsRestrictionFailure(err), "got %v", err)
			assert.Empty(t, d.specs, "no container may be created")
			assert.Equal(t, 0, m.Active())

			entries, _ := os.ReadDir(root)
			assert.Empty(t, entries, "workdir must be removed")
		})
	}
}

func TestCreateEnvironment_DriverFailure(t *testing.T) {
	d := newFakeDriver("fake")
	d.createErr = errors.New("image pull failed")
	root := t.TempDir()
	m := newTestManager(t, ManagerConfig{WorkRoot: root}, d)

	_, err := m.CreateEnvironment(context.Background(), pyRequest("print(1)\n"))
	require.Error(t, err)
	assert.True(t, IsCreationFailure(err))

	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "create_container", ee.Op)

	entries, _ := os.ReadDir(root)
	assert.Empty(t, entries)
	assert.Empty(t, m.Leaked())
}

func TestCreateEnvironment_InvalidRequest(t *testing.T) {
	m := newTestManager(t, ManagerConfig{}, newFakeDriver("fake"))

	_, err := m.CreateEnvironment(context.Background(), EnvironmentRequest{Language: "cobol", Code: "x", Limits: DefaultLimits()})
	assert.ErrorIs(t, err, ErrUnsupportedLang)
	assert.ErrorIs(t, err, runtime.ErrUnsupportedLanguage)

	_, err = m.CreateEnvironment(context.Background(), pyRequest(""))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req := pyRequest("print(1)")
	req.Limits.MemoryBytes = 1
	_, err = m.CreateEnvironment(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = pyRequest("print(1)")
	req.Driver = "firecracker"
	_, err = m.CreateEnvironment(context.Background(), req)
	assert.True(t, IsCreationFailure(err))
}

func TestWithEnvironment_TearsDownOnEveryPath(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		d := newFakeDriver("fake")
		m := newTestManager(t, ManagerConfig{}, d)
		var workDir string
		err := m.WithEnvironment(context.Background(), pyRequest("print(1)"), func(env *Environment) error {
			workDir = env.WorkDir
			return nil
		})
		require.NoError(t, err)
		assert.NoDirExists(t, workDir)
		assert.Equal(t, int32(1), d.lastContainer().destroyed.Load())
		assert.Equal(t, 0, m.Active())
	})

	t.Run("error", func(t *testing.T) {
		d := newFakeDriver("fake")
		m := newTestManager(t, ManagerConfig{}, d)
		boom := errors.New("boom")
		err := m.WithEnvironment(context.Background(), pyRequest("print(1)"), func(*Environment) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int32(1), d.lastContainer().destroyed.Load())
	})

	t.Run("panic", func(t *testing.T) {
		d := newFakeDriver("fake")
		m := newTestManager(t, ManagerConfig{}, d)
		assert.Panics(t, func() {
			_ = m.WithEnvironment(context.Background(), pyRequest("print(1)"), func(*Environment) error { panic("payload bug") })
		})
		assert.Equal(t, int32(1), d.lastContainer().destroyed.Load())
		assert.Equal(t, 0, m.Active())
	})

	t.Run("cancellation", func(t *testing.T) {
		d := newFakeDriver("fake")
		m := newTestManager(t, ManagerConfig{}, d)
		ctx, cancel := context.WithCancel(context.Background())

		err := m.WithEnvironment(ctx, pyRequest("print(1)"), func(env *Environment) error {
			p, err := env.Start(ctx)
			require.NoError(t, err)
			cancel()
			require.Eventually(t, func() bool { return d.lastContainer().destroyed.Load() == 1 }, time.Second, 5*time.Millisecond)
			_, err = env.Wait(ctx, p, time.Minute)
			return err
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, d.lastContainer().killed.Load())
	})
}

func TestEnvironment_WaitTimeout(t *testing.T) {
	d := newFakeDriver("fake")
	m := newTestManager(t, ManagerConfig{}, d)

	env, err := m.CreateEnvironment(context.Background(), pyRequest("print(1)"))
	require.NoError(t, err)
	defer env.Close()

	p, err := env.Start(context.Background())
	require.NoError(t, err)

	_, err = env.Wait(context.Background(), p, 20*time.Millisecond)
	assert.True(t, IsTimeout(err), "got %v", err)
	assert.True(t, d.lastContainer().killed.Load())
}

func TestEnvironment_StartTwice(t *testing.T) {
	m := newTestManager(t, ManagerConfig{}, newFakeDriver("fake"))
	env, err := m.CreateEnvironment(context.Background(), pyRequest("print(1)"))
	require.NoError(t, err)
	defer env.Close()

	_, err = env.Start(context.Background())
	require.NoError(t, err)
	_, err = env.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidRequest)

	env.Close()
	_, err = env.Start(context.Background())
	assert.ErrorIs(t, err, ErrDriverClosed)
}

func TestEnvironment_ExportLog(t *testing.T) {
	d := newFakeDriver("fake")
	m := newTestManager(t, ManagerConfig{}, d)
	env, err := m.CreateEnvironment(context.Background(), pyRequest("print(1)"))
	require.NoError(t, err)
	d.lastContainer().output = "0123456789"

	p, err := env.Start(context.Background())
	require.NoError(t, err)
	d.lastContainer().exit <- 0
	code, err := env.Wait(context.Background(), p, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	full, err := env.ExportLog(1024)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(full))

	short, err := env.ExportLog(4)
	require.NoError(t, err)
	assert.Equal(t, "0123\n... [output truncated]", string(short))

	env.Close()
	_, err = env.ExportLog(1024)
	assert.Error(t, err, "log is discarded with the environment")
}

func TestEnvironment_CloseIdempotentAndLeaks(t *testing.T) {
	d := newFakeDriver("fake")
	m := newTestManager(t, ManagerConfig{}, d)
	env, err := m.CreateEnvironment(context.Background(), pyRequest("print(1)"))
	require.NoError(t, err)

	d.setDestroyErr(errors.New("device busy"))
	env.Close()
	env.Close()

	leaks := m.Leaked()
	require.Len(t, leaks, 1)
	assert.Equal(t, env.ID, leaks[0].EnvironmentID)
	assert.Contains(t, leaks[0].Error, "device busy")
	assert.Equal(t, 0, m.Active())

	assert.Equal(t, 0, m.Reconcile(context.Background()))
	d.setDestroyErr(nil)
	assert.Equal(t, 1, m.Reconcile(context.Background()))
	assert.Empty(t, m.Leaked())
}

func TestManager_LeastLoaded(t *testing.T) {
	a, b := newFakeDriver("a"), newFakeDriver("b")
	m := newTestManager(t, ManagerConfig{}, a, b)

	assert.Equal(t, "a", m.LeastLoaded(), "ties go to the first driver")
	a.active.Store(2)
	b.active.Store(1)
	assert.Equal(t, "b", m.LeastLoaded())
	assert.Equal(t, []string{"a", "b"}, m.Drivers())

	_, err := NewManager(ManagerConfig{}, nil)
	assert.ErrorIs(t, err, ErrRuntimeUnavailable)
	_, err = NewManager(ManagerConfig{}, nil, newFakeDriver("x"), newFakeDriver("x"))
	assert.Error(t, err)
}

func TestManager_CloseTearsDownOpen(t *testing.T) {
	d := newFakeDriver("fake")
	m := newTestManager(t, ManagerConfig{}, d)
	_, err := m.CreateEnvironment(context.Background(), pyRequest("print(1)"))
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Active())
	assert.Equal(t, 0, d.Active())
}
