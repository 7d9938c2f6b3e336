package avd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/FluidXR/droidprov/internal/process"
)

var (
	// ErrNotFound is returned when no AVD has the requested name or path.
	ErrNotFound = errors.New("avd not found")
	// ErrRunning is returned for operations that need the AVD stopped.
	ErrRunning = errors.New("avd is running")
	// ErrNotRunning is returned by Stop when no emulator runs the AVD.
	ErrNotRunning = errors.New("avd is not running")
)

// Options configures Tooling.
type Options struct {
	// Fs is where AVD definitions live. Defaults to the OS filesystem.
	Fs afero.Fs
	// Home is the AVD home, usually ~/.android/avd.
	Home string
	// SDKRoot is exported to the SDK tools when set.
	SDKRoot string
	// Emulator and AvdManager are the tool binaries.
	Emulator   string
	AvdManager string
	// EmulatorArgs are appended to every emulator launch.
	EmulatorArgs []string
	// LogDir receives one emulator log per AVD. Empty discards output.
	LogDir string
	// StopTimeout bounds a graceful emulator stop before it is killed.
	StopTimeout time.Duration
	Logger      zerolog.Logger
}

// Tooling manages AVD definitions with the SDK command-line tools.
type Tooling struct {
	fs   afero.Fs
	opts Options
	log  zerolog.Logger

	// run executes an SDK tool and returns its combined output.
	run func(ctx context.Context, stdin string, bin string, args ...string) ([]byte, error)
	// spawn creates the supervisor for an emulator launch.
	spawn func(cfg process.Config) emulatorProcess

	mu    sync.Mutex
	procs map[string]emulatorProcess
}

type emulatorProcess interface {
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
}

// NewTooling creates Tooling from opts.
func NewTooling(opts Options) *Tooling {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Emulator == "" {
		opts.Emulator = "emulator"
	}
	if opts.AvdManager == "" {
		opts.AvdManager = "avdmanager"
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = 10 * time.Second
	}
	t := &Tooling{
		fs:    opts.Fs,
		opts:  opts,
		log:   opts.Logger.With().Str("component", "avd").Logger(),
		procs: make(map[string]emulatorProcess),
	}
	t.run = t.exec
	t.spawn = func(cfg process.Config) emulatorProcess {
		return process.NewManager(cfg, t.log)
	}
	return t
}

// Home returns the AVD home directory.
func (t *Tooling) Home() string { return t.opts.Home }

// List reads every AVD definition in the home directory.
func (t *Tooling) List(ctx context.Context) ([]Definition, error) {
	entries, err := afero.ReadDir(t.fs, t.opts.Home)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read avd home: %w", err)
	}
	var defs []Definition
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ini") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".ini")
		def, err := t.read(name)
		if err != nil {
			t.log.Warn().Err(err).Str("avd", name).Msg("skip unreadable avd")
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Find returns the definition called name.
func (t *Tooling) Find(ctx context.Context, name string) (Definition, error) {
	defs, err := t.List(ctx)
	if err != nil {
		return Definition{}, err
	}
	def, ok := lo.Find(defs, func(d Definition) bool { return d.Name == name })
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return def, nil
}

func (t *Tooling) read(name string) (Definition, error) {
	top, err := afero.ReadFile(t.fs, filepath.Join(t.opts.Home, name+".ini"))
	if err != nil {
		return Definition{}, fmt.Errorf("read %s.ini: %w", name, err)
	}
	ini := parseINI(top)
	path := ini[keyPath]
	if path == "" {
		path = filepath.Join(t.opts.Home, name+".avd")
	}

	def := Definition{Name: name, Path: path, Target: ini[keyTarget]}
	cfg, err := afero.ReadFile(t.fs, filepath.Join(path, "config.ini"))
	if err != nil {
		return Definition{}, fmt.Errorf("read config.ini for %s: %w", name, err)
	}
	c := parseINI(cfg)
	def.DisplayName = c[keyDisplayName]
	def.ABI = c[keyABI]
	def.Tag = c[keyTag]
	def.Manufacturer = c[keyManufacturer]
	def.Model = c[keyModel]
	def.APILevel = apiLevel(def.Target, c[keySysDir])
	return def, nil
}

// Create runs avdmanager to create a new AVD and returns its definition.
func (t *Tooling) Create(ctx context.Context, req CreateRequest) (Definition, error) {
	if !validName.MatchString(req.Name) {
		return Definition{}, fmt.Errorf("invalid avd name %q", req.Name)
	}
	if req.Package == "" {
		return Definition{}, errors.New("create avd: system image package is required")
	}
	args := []string{"create", "avd", "-n", req.Name, "-k", req.Package}
	if req.Device != "" {
		args = append(args, "-d", req.Device)
	}
	if req.Force {
		args = append(args, "--force")
	}
	if out, err := t.run(ctx, "no\n", t.opts.AvdManager, args...); err != nil {
		return Definition{}, fmt.Errorf("avdmanager create %s: %w\n%s", req.Name, err, out)
	}

	def, err := t.read(req.Name)
	if err != nil {
		return Definition{}, err
	}
	if req.DisplayName != "" {
		return t.Edit(ctx, def, map[string]string{"name": req.DisplayName})
	}
	return def, nil
}

// Edit rewrites config.ini of def with changes and returns the updated
// definition. Keys may be raw config.ini keys or one of the short aliases
// (name, ram, heap, cores, sdcard, keyboard).
func (t *Tooling) Edit(ctx context.Context, def Definition, changes map[string]string) (Definition, error) {
	if err := ctx.Err(); err != nil {
		return Definition{}, err
	}
	if len(changes) == 0 {
		return def, nil
	}
	resolved := make(map[string]string, len(changes))
	for k, v := range changes {
		if alias, ok := editAliases[strings.ToLower(k)]; ok {
			k = alias
		}
		resolved[k] = v
	}

	path := filepath.Join(def.Path, "config.ini")
	data, err := afero.ReadFile(t.fs, path)
	if err != nil {
		return Definition{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := afero.WriteFile(t.fs, path, patchINI(data, resolved), 0o644); err != nil {
		return Definition{}, fmt.Errorf("write %s: %w", path, err)
	}
	t.log.Info().Str("avd", def.Name).Interface("changes", resolved).Msg("avd edited")
	return t.read(def.Name)
}

// Delete removes the AVD with avdmanager. A running AVD is not deleted.
func (t *Tooling) Delete(ctx context.Context, def Definition) error {
	if t.Running(def) {
		return fmt.Errorf("delete %s: %w", def.Name, ErrRunning)
	}
	if out, err := t.run(ctx, "", t.opts.AvdManager, "delete", "avd", "-n", def.Name); err != nil {
		return fmt.Errorf("avdmanager delete %s: %w\n%s", def.Name, err, out)
	}
	t.mu.Lock()
	delete(t.procs, def.Path)
	t.mu.Unlock()
	return nil
}

// Start launches an emulator for def. It returns once the process is
// spawned, not when the device has booted.
func (t *Tooling) Start(ctx context.Context, def Definition) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.procs[def.Path]; ok && p.IsRunning() {
		return fmt.Errorf("start %s: %w", def.Name, ErrRunning)
	}

	cfg := process.Config{
		Name:            "emulator:" + def.Name,
		Binary:          t.opts.Emulator,
		Args:            append([]string{"-avd", def.Name}, t.opts.EmulatorArgs...),
		Env:             t.env(),
		GracefulTimeout: t.opts.StopTimeout,
		OnStop: func(err error) {
			if err != nil {
				t.log.Warn().Err(err).Str("avd", def.Name).Msg("emulator exited")
			}
		},
	}
	if t.opts.LogDir != "" {
		if err := t.fs.MkdirAll(t.opts.LogDir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := t.fs.OpenFile(filepath.Join(t.opts.LogDir, def.Name+".log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("open emulator log: %w", err)
		}
		cfg.Output = f
		onStop := cfg.OnStop
		cfg.OnStop = func(err error) {
			f.Close()
			onStop(err)
		}
	}

	p := t.spawn(cfg)
	if err := p.Start(ctx); err != nil {
		if c, ok := cfg.Output.(io.Closer); ok {
			c.Close()
		}
		return err
	}
	t.procs[def.Path] = p
	return nil
}

// Stop shuts down the emulator running def. Emulators started by this
// Tooling are stopped through their supervisor; others are found through
// the AVD lock file.
func (t *Tooling) Stop(ctx context.Context, def Definition) error {
	t.mu.Lock()
	p, ok := t.procs[def.Path]
	t.mu.Unlock()
	if ok && p.IsRunning() {
		return p.Stop()
	}

	pid, ok := t.lockPID(def)
	if !ok {
		return fmt.Errorf("stop %s: %w", def.Name, ErrNotRunning)
	}
	t.log.Info().Str("avd", def.Name).Int("pid", pid).Msg("terminating emulator")
	return process.Terminate(ctx, pid, t.opts.StopTimeout)
}

// Running reports whether an emulator currently holds def's lock.
func (t *Tooling) Running(def Definition) bool {
	t.mu.Lock()
	p, ok := t.procs[def.Path]
	t.mu.Unlock()
	if ok && p.IsRunning() {
		return true
	}
	_, ok = t.lockPID(def)
	return ok
}

// lockPID reads the pid of the emulator holding def, from the lock file or,
// on newer emulators, the pid file inside the lock directory.
func (t *Tooling) lockPID(def Definition) (int, bool) {
	lock := filepath.Join(def.Path, "hardware-qemu.ini.lock")
	info, err := t.fs.Stat(lock)
	if err != nil {
		return 0, false
	}
	if info.IsDir() {
		lock = filepath.Join(lock, "pid")
	}
	data, err := afero.ReadFile(t.fs, lock)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, process.Alive(pid)
}

func (t *Tooling) env() []string {
	env := []string{"ANDROID_AVD_HOME=" + t.opts.Home}
	if t.opts.SDKRoot != "" {
		env = append(env, "ANDROID_SDK_ROOT="+t.opts.SDKRoot)
	}
	return env
}

func (t *Tooling) exec(ctx context.Context, stdin string, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), t.env()...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	t.log.Debug().Str("bin", bin).Strs("args", args).Msg("run sdk tool")
	err := cmd.Run()
	return buf.Bytes(), err
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
