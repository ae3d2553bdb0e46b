// Package installer materializes a discovered Candidate into an on-disk
// install directory and produces a RunSpec the tool-server process manager
// can spawn. Each candidate gets its own name@version subdirectory under a
// configurable root, with user-controlled path components sanitized before
// they touch the filesystem.
package installer

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/viable-systems/capacquire/apitypes"
	"github.com/viable-systems/capacquire/internal/toolerrors"
)

// Config parameterizes the installer's root directory and fetch timeout.
type Config struct {
	// Root is the directory under which every candidate gets its own
	// name@version subdirectory. Defaults to a process-local temp dir.
	Root string
	// FetchTimeout bounds the external fetch/clone/copy subprocess.
	FetchTimeout time.Duration
}

// WithDefaults fills unset fields with the controller's documented defaults.
func (c Config) WithDefaults() Config {
	if c.Root == "" {
		c.Root = filepath.Join(os.TempDir(), "capacquire-install")
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 60 * time.Second
	}
	return c
}

// Installer materializes candidates under its configured root.
type Installer struct {
	cfg      Config
	validate *validator.Validate
	// runCommand is overridable in tests so they never shell out for real.
	runCommand func(ctx context.Context, dir, name string, args ...string) error
}

// New constructs an Installer rooted at cfg.Root.
func New(cfg Config) *Installer {
	return &Installer{cfg: cfg.WithDefaults(), validate: validator.New(), runCommand: runExternalCommand}
}

var nonPathSafe = regexp.MustCompile(`[^A-Za-z0-9_.@-]+`)

func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	return nonPathSafe.ReplaceAllString(s, "_")
}

// Install materializes candidate into cfg.Root/<name@version>, idempotently:
// if that directory already exists and verifies, it is returned unchanged.
func (ins *Installer) Install(ctx context.Context, candidate apitypes.Candidate, force bool) (apitypes.Installation, error) {
	if err := ins.validate.Struct(candidate); err != nil {
		return apitypes.Installation{}, toolerrors.Wrap(toolerrors.CodeInstallVerifyFailed, "invalid candidate", err).WithData(map[string]string{"stage": "prepare"})
	}

	dirName := sanitize(candidate.Name) + "@" + sanitize(candidate.Version)
	installPath := filepath.Join(ins.cfg.Root, dirName)

	if !force {
		if runSpec, ok := ins.verify(installPath, candidate); ok {
			return apitypes.Installation{
				Candidate:   candidate,
				InstallPath: installPath,
				Status:      apitypes.InstallReady,
				InstalledAt: modTimeOrNow(installPath),
				RunSpec:     runSpec,
			}, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(installPath), 0o755); err != nil {
		return apitypes.Installation{}, toolerrors.Wrap(toolerrors.CodeInstallFetchFailed, "prepare install root", err).WithData(map[string]string{"stage": "prepare"})
	}
	if err := os.RemoveAll(installPath); err != nil {
		return apitypes.Installation{}, toolerrors.Wrap(toolerrors.CodeInstallFetchFailed, "clear stale install dir", err).WithData(map[string]string{"stage": "prepare"})
	}

	fetchCtx, cancel := context.WithTimeout(ctx, ins.cfg.FetchTimeout)
	defer cancel()

	if err := ins.fetch(fetchCtx, candidate, installPath); err != nil {
		_ = os.RemoveAll(installPath)
		return apitypes.Installation{}, toolerrors.Wrap(toolerrors.CodeInstallFetchFailed, "fetch candidate", err).WithData(map[string]string{"stage": "fetch"})
	}

	runSpec, ok := ins.verify(installPath, candidate)
	if !ok {
		_ = os.RemoveAll(installPath)
		return apitypes.Installation{}, toolerrors.New(toolerrors.CodeInstallVerifyFailed, "install directory failed verification").WithData(map[string]string{"stage": "verify"})
	}

	return apitypes.Installation{
		Candidate:   candidate,
		InstallPath: installPath,
		Status:      apitypes.InstallReady,
		InstalledAt: time.Now(),
		RunSpec:     runSpec,
	}, nil
}

func (ins *Installer) fetch(ctx context.Context, candidate apitypes.Candidate, installPath string) error {
	switch candidate.Source {
	case apitypes.SourceRegistry:
		if err := os.MkdirAll(installPath, 0o755); err != nil {
			return err
		}
		cmd := candidate.InstallCommand
		if cmd == "" {
			cmd = "npm"
		}
		return ins.runCommand(ctx, installPath, cmd, "install", candidate.Name+"@"+candidate.Version)
	case apitypes.SourceGit:
		return ins.runCommand(ctx, filepath.Dir(installPath), "git", "clone", "--depth", "1", "--branch", candidate.Version, candidate.InstallCommand, installPath)
	case apitypes.SourceLocal:
		return copyDir(candidate.InstallCommand, installPath)
	default:
		return toolerrors.Newf(toolerrors.CodeInstallFetchFailed, "unknown candidate source %q", candidate.Source)
	}
}

// verify checks the install directory exists, derives a runnable command,
// and (if a package.json-style metadata file exists) that it parses. It
// returns the RunSpec and whether verification passed.
func (ins *Installer) verify(installPath string, candidate apitypes.Candidate) (apitypes.RunSpec, bool) {
	info, err := os.Stat(installPath)
	if err != nil || !info.IsDir() {
		return apitypes.RunSpec{}, false
	}

	if metaPath := filepath.Join(installPath, "package.json"); fileExists(metaPath) {
		data, err := os.ReadFile(metaPath)
		if err != nil {
			return apitypes.RunSpec{}, false
		}
		var meta map[string]any
		if err := json.Unmarshal(data, &meta); err != nil {
			return apitypes.RunSpec{}, false
		}
	}

	runSpec := apitypes.RunSpec{
		Command: "node",
		Args:    []string{filepath.Join(installPath, "index.js")},
		Cwd:     installPath,
	}
	// A package's own bin/<name> wrapper, when present, is preferred over
	// guessing the runtime: it is locatable by path alone, with no
	// dependency on what interpreters happen to be on the host's PATH.
	if binPath := filepath.Join(installPath, "bin", candidate.Name); fileExists(binPath) {
		runSpec = apitypes.RunSpec{Command: binPath, Cwd: installPath}
	}

	if filepath.IsAbs(runSpec.Command) {
		if !fileExists(runSpec.Command) {
			return apitypes.RunSpec{}, false
		}
	} else if _, err := exec.LookPath(runSpec.Command); err != nil {
		return apitypes.RunSpec{}, false
	}
	if err := ins.validate.Struct(runSpec); err != nil {
		return apitypes.RunSpec{}, false
	}
	return runSpec, true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func modTimeOrNow(path string) time.Time {
	if info, err := os.Stat(path); err == nil {
		return info.ModTime()
	}
	return time.Now()
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}

func runExternalCommand(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Run()
}
