// Package process owns discovery, spawning, and killing of the single
// backend process tree, grounded on original_source/controller/process.py
// (find_inference_process, launch_model, kill_process) and on the
// process-group-kill idiom from the pack's
// other_examples/.../internal-process-manager.go.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	sysinfo "github.com/elastic/go-sysinfo"
	"github.com/pkg/errors"

	"github.com/inference-ctl/controller/pkg/controller/recipe"
	"github.com/inference-ctl/controller/pkg/logging"
)

// Record describes the backend process running now, per spec.md §3's
// ProcessRecord.
type Record struct {
	PID             int
	Backend         recipe.Backend
	ModelPath       string
	ServedModelName string
	Port            int
}

// scannedProcess is the minimal shape Owner.Find needs from a live OS
// process; production code backs this with elastic/go-sysinfo, tests stub
// it directly, per spec.md §9's "process discovery is inherently racy"
// design note.
type scannedProcess struct {
	PID  int
	PPID int
	Args []string
}

// processScanner enumerates OS processes. Abstracted so tests never depend
// on real processes.
type processScanner interface {
	Scan() ([]scannedProcess, error)
	Exists(pid int) bool
}

type sysinfoScanner struct{}

func (sysinfoScanner) Scan() ([]scannedProcess, error) {
	procs, err := sysinfo.Processes()
	if err != nil {
		return nil, err
	}
	out := make([]scannedProcess, 0, len(procs))
	for _, p := range procs {
		info, err := p.Info()
		if err != nil {
			// Per-process enumeration failures are skipped, not fatal,
			// per spec.md §4.A's failure semantics.
			continue
		}
		out = append(out, scannedProcess{PID: info.PID, PPID: info.PPID, Args: info.Args})
	}
	return out, nil
}

func (sysinfoScanner) Exists(pid int) bool {
	// Signal 0 probes existence without affecting the process.
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// backendSignature patterns identify a process as one of the known backend
// kinds by its combined argv, per spec.md §6 "Backend command signature
// detection".
var (
	vllmEntrypointRe  = regexp.MustCompile(`vllm\.entrypoints\.openai\.api_server`)
	sglangEntrypoint  = "sglang.launch_server"
)

func classifyBackend(args []string) (recipe.Backend, bool) {
	joined := strings.Join(args, " ")
	switch {
	case vllmEntrypointRe.MatchString(joined):
		return recipe.BackendVLLM, true
	case hasTokenPair(args, "vllm", "serve"):
		return recipe.BackendVLLM, true
	case strings.Contains(joined, sglangEntrypoint):
		return recipe.BackendSGLang, true
	default:
		return "", false
	}
}

func hasTokenPair(args []string, a, b string) bool {
	hasA, hasB := false, false
	for _, arg := range args {
		base := filepath.Base(arg)
		if base == a || arg == a {
			hasA = true
		}
		if arg == b {
			hasB = true
		}
	}
	return hasA && hasB
}

func flagValue(args []string, flag string) (string, bool) {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1], true
		}
		if strings.HasPrefix(arg, flag+"=") {
			return strings.TrimPrefix(arg, flag+"="), true
		}
	}
	return "", false
}

// Owner finds, spawns, and kills the backend process tree.
type Owner struct {
	log     logging.Logger
	scanner processScanner
}

// NewOwner constructs an Owner backed by real OS process introspection.
func NewOwner(log logging.Logger) *Owner {
	return &Owner{log: log, scanner: sysinfoScanner{}}
}

// Find enumerates OS processes and returns the one matching a known backend
// signature whose --port equals port, per spec.md §4.A.
func (o *Owner) Find(port int) (*Record, error) {
	procs, err := o.scanner.Scan()
	if err != nil {
		return nil, err
	}

	portStr := strconv.Itoa(port)
	for _, p := range procs {
		backend, ok := classifyBackend(p.Args)
		if !ok {
			continue
		}

		procPort, hasPort := flagValue(p.Args, "--port")
		if hasPort && procPort != portStr {
			continue
		}
		if !hasPort {
			// Processes without a --port flag are never matched; there is no
			// fallback signature or default-port rule for them.
			continue
		}

		modelPath, _ := flagValue(p.Args, "--model")
		if modelPath == "" {
			modelPath, _ = flagValue(p.Args, "--model-path")
		}
		if modelPath == "" {
			modelPath = firstPositionalAfter(p.Args, "serve")
		}

		servedName, _ := flagValue(p.Args, "--served-model-name")

		return &Record{
			PID:             p.PID,
			Backend:         backend,
			ModelPath:       modelPath,
			ServedModelName: servedName,
			Port:            port,
		}, nil
	}

	return nil, nil
}

func firstPositionalAfter(args []string, marker string) string {
	for i, a := range args {
		if a == marker && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			return args[i+1]
		}
	}
	return ""
}

// resolveInterpreter implements the interpreter resolution order from
// spec.md §4.A: explicit python path, then {venv}/bin/python if a venv path
// is present in extras, then system default.
func resolveInterpreter(r recipe.Recipe) string {
	if r.PythonPath != "" {
		return r.PythonPath
	}
	if ev, ok := r.ExtraArgs["venv_path"]; ok && ev.Str != nil {
		return filepath.Join(*ev.Str, "bin", "python")
	}
	return "python3"
}

// vllmWrapper returns the path to a venv's vllm wrapper executable if
// present, so Spawn can prefer `vllm serve ...` over the module entrypoint.
func vllmWrapper(r recipe.Recipe) (string, bool) {
	ev, ok := r.ExtraArgs["venv_path"]
	if !ok || ev.Str == nil {
		return "", false
	}
	candidate := filepath.Join(*ev.Str, "bin", "vllm")
	if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
		return candidate, true
	}
	return "", false
}

// SpawnResult is what Spawn returns on success.
type SpawnResult struct {
	PID     int
	LogPath string
}

// Spawn launches recipe r's backend process, redirecting combined
// stdout/stderr to a per-recipe log file, starting it in a new process
// group, and watching briefly for an early exit, per spec.md §4.A.
func (o *Owner) Spawn(ctx context.Context, r recipe.Recipe, logDir string) (SpawnResult, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return SpawnResult{}, errors.Wrap(err, "creating log directory")
	}

	logPath := filepath.Join(logDir, fmt.Sprintf("%s_%s.log", backendPrefix(r.Backend), sanitizeID(r.ID)))
	logFile, err := os.Create(logPath)
	if err != nil {
		return SpawnResult{}, errors.Wrap(err, "creating log file")
	}

	argv, err := recipe.BuildArgs(r)
	if err != nil {
		logFile.Close()
		return SpawnResult{}, err
	}

	interpreter := resolveInterpreter(r)
	var name string
	var args []string
	if wrapper, ok := vllmWrapper(r); ok && r.Backend == recipe.BackendVLLM {
		name = wrapper
		args = argv // already begins with "serve"
	} else {
		name = interpreter
		args = moduleArgsFor(r.Backend, argv)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = buildEnv(r)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return SpawnResult{}, errors.Wrap(err, "starting backend process")
	}
	logFile.Close()

	pid := cmd.Process.Pid

	go func() {
		// Reap the child when it exits so it never becomes a zombie; the
		// backend outlives the controller process by design (spec.md §6
		// "in-flight subprocesses are NOT killed on controller exit"), but
		// this goroutine's own process still must not leak zombies for
		// children it directly spawned and is still attached to.
		_ = cmd.Wait()
	}()

	time.Sleep(3 * time.Second)
	if !o.scanner.Exists(pid) {
		tail := readLogTail(logPath, 500)
		return SpawnResult{}, fmt.Errorf("process exited early: %s", tail)
	}

	return SpawnResult{PID: pid, LogPath: logPath}, nil
}

func backendPrefix(b recipe.Backend) string {
	switch b {
	case recipe.BackendSGLang:
		return "sglang"
	default:
		return "vllm"
	}
}

func moduleArgsFor(b recipe.Backend, argv []string) []string {
	switch b {
	case recipe.BackendVLLM:
		return append([]string{"-m", "vllm.entrypoints.openai.api_server"}, argv[1:]...)
	default:
		return argv
	}
}

// buildEnv layers environment sources in precedence order per spec.md
// §4.A: controller env, then a fixed workaround set, then the recipe's own
// layered vars.
func buildEnv(r recipe.Recipe) []string {
	base := os.Environ()
	merged := map[string]string{}
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}

	// Fixed workaround variables, matching the controller's known
	// upstream-bug mitigations.
	merged["TOKENIZERS_PARALLELISM"] = "false"
	merged["PYTHONUNBUFFERED"] = "1"

	for k, v := range r.envVars() {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// sanitizeID strips everything but [A-Za-z0-9._-] from a session/recipe id
// for safe use in a log filename, per spec.md §6.
func sanitizeID(id string) string {
	return sanitizeRe.ReplaceAllString(id, "")
}

// ReadLogTailPublic exposes readLogTail for callers outside this package
// (the supervisor, when composing crash/timeout messages).
func ReadLogTailPublic(path string, n int) string {
	return readLogTail(path, n)
}

func readLogTail(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > n {
		data = data[len(data)-n:]
	}
	return string(bytes.TrimSpace(data))
}
