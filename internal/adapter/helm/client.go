package helm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

const (
	// releaseTimeout is passed to helm; commandTimeout bounds the process.
	releaseTimeout = "600s"
	commandTimeout = 11 * time.Minute
)

// Runner executes an external command and returns its stdout.
// Injectable so tests never shell out.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

// Client wraps the helm and kubectl CLIs. Releases are installed with
// --wait=false: readiness is the caller's concern, not helm's.
type Client struct {
	chartPath string
	run       Runner
}

// NewClient creates a client deploying the chart at chartPath, falling back
// to the HELM_CHART_PATH environment variable.
func NewClient(chartPath string) *Client {
	return NewClientWithRunner(chartPath, execRun)
}

// NewClientWithRunner creates a client with a custom command runner.
func NewClientWithRunner(chartPath string, run Runner) *Client {
	if chartPath == "" {
		chartPath = os.Getenv("HELM_CHART_PATH")
	}
	return &Client{chartPath: chartPath, run: run}
}

// Install deploys a release into the given namespace, creating it if needed.
func (c *Client) Install(ctx context.Context, release, namespace string, values map[string]string) error {
	args := []string{
		"install", release, c.chartPath,
		"--namespace", namespace,
		"--create-namespace",
		"--timeout", releaseTimeout,
		"--wait=false",
	}

	// Sorted for deterministic invocations.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--set", k+"="+values[k])
	}

	slog.InfoContext(ctx, "helm install starting", "release", release, "namespace", namespace)

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if _, err := c.run(ctx, "helm", args...); err != nil {
		return fmt.Errorf("helm install %s: %w", release, err)
	}
	return nil
}

// Uninstall removes a release from the given namespace.
func (c *Client) Uninstall(ctx context.Context, release, namespace string) error {
	slog.InfoContext(ctx, "helm uninstall starting", "release", release, "namespace", namespace)

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if _, err := c.run(ctx, "helm",
		"uninstall", release,
		"--namespace", namespace,
		"--timeout", releaseTimeout,
	); err != nil {
		return fmt.Errorf("helm uninstall %s: %w", release, err)
	}
	return nil
}

// DeleteNamespace removes the namespace and everything left in it.
// Absent namespaces are not an error.
func (c *Client) DeleteNamespace(ctx context.Context, namespace string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if _, err := c.run(ctx, "kubectl",
		"delete", "namespace", namespace, "--ignore-not-found",
	); err != nil {
		return fmt.Errorf("deleting namespace %s: %w", namespace, err)
	}
	return nil
}

// execRun runs the command and surfaces stderr in the error message so
// failures stored on the store row are readable.
func execRun(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s", msg)
	}

	if s := strings.TrimSpace(stderr.String()); s != "" {
		slog.WarnContext(ctx, "command wrote to stderr", "command", name, "stderr", s)
	}
	return stdout.String(), nil
}
