package remote

import (
	"context"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/kballard/go-shellquote"
)

// PythonEnv is one detected interpreter environment on the remote host.
type PythonEnv struct {
	Name            string `json:"name"`
	Type            string `json:"type"` // "system", "conda", "venv"
	PythonVersion   string `json:"python_version,omitempty"`
	Path            string `json:"path"`
	IsDefault       bool   `json:"isDefault"`
	RunicornVersion string `json:"runicorn_version,omitempty"`
	Compat          string `json:"compat"` // ok | too_old | not_installed
}

// minCompatVersion is the oldest remote runicorn package the local viewer can
// drive.
var minCompatVersion = semver.MustParse("0.5.0")

// CompatCategory classifies a remote runicorn version string. Empty means the
// package is absent; unparseable strings are reported as-is with "mismatch".
func CompatCategory(version string) string {
	version = strings.TrimSpace(version)
	if version == "" {
		return "not_installed"
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return "mismatch"
	}
	if v.Major() < minCompatVersion.Major() ||
		(v.Major() == minCompatVersion.Major() && v.Minor() < minCompatVersion.Minor()) {
		return "too_old"
	}
	return "ok"
}

// DetectEnvs probes the remote host for Python environments: system python,
// conda environments, and virtualenvs under well-known directories.
func DetectEnvs(ctx context.Context, conn *Connection) ([]PythonEnv, error) {
	var envs []PythonEnv

	// System python.
	if out, err := conn.Exec(ctx, "command -v python3 && python3 --version 2>&1"); err == nil {
		lines := splitLines(out)
		if len(lines) >= 1 {
			env := PythonEnv{Name: "system", Type: "system", Path: lines[0], IsDefault: true}
			if len(lines) >= 2 {
				env.PythonVersion = strings.TrimPrefix(lines[1], "Python ")
			}
			envs = append(envs, env)
		}
	}

	// Conda environments.
	if out, err := conn.Exec(ctx, "conda env list 2>/dev/null"); err == nil {
		envs = append(envs, ParseCondaEnvList(out)...)
	}

	// Virtualenvs in the usual places.
	if out, err := conn.Exec(ctx, `for d in ~/.virtualenvs/* ~/venvs/* ~/.venv; do [ -x "$d/bin/python" ] && echo "$d"; done 2>/dev/null`); err == nil {
		for _, dir := range splitLines(out) {
			name := dir[strings.LastIndex(dir, "/")+1:]
			envs = append(envs, PythonEnv{Name: name, Type: "venv", Path: dir})
		}
	}

	// Runicorn package version per environment; compat is derived locally,
	// the raw string is surfaced for the client.
	for i := range envs {
		version, _ := probeRunicornVersion(ctx, conn, &envs[i])
		envs[i].RunicornVersion = version
		envs[i].Compat = CompatCategory(version)
	}
	return envs, nil
}

// ParseCondaEnvList parses `conda env list` output:
//
//	# conda environments:
//	#
//	base    *  /opt/conda
//	ml         /opt/conda/envs/ml
func ParseCondaEnvList(out string) []PythonEnv {
	var envs []PythonEnv
	for _, line := range splitLines(out) {
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		env := PythonEnv{Name: fields[0], Type: "conda"}
		if fields[1] == "*" {
			env.IsDefault = true
			if len(fields) < 3 {
				continue
			}
			env.Path = fields[2]
		} else {
			env.Path = fields[1]
		}
		envs = append(envs, env)
	}
	return envs
}

func probeRunicornVersion(ctx context.Context, conn *Connection, env *PythonEnv) (string, error) {
	var python string
	switch env.Type {
	case "conda":
		python = env.Path + "/bin/python"
	case "venv":
		python = env.Path + "/bin/python"
	default:
		python = env.Path
	}
	cmd := shellquote.Join(python, "-c", "import runicorn; print(runicorn.__version__)")
	out, err := conn.Exec(ctx, cmd+" 2>/dev/null")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
