package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/client"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/config"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/logbuf"
	"github.com/hochfrequenz/pr-preview-orchestrator/tui"
	"github.com/hochfrequenz/pr-preview-orchestrator/web/api"
	"github.com/spf13/cobra"
)

var (
	cloneBranch   string
	cloneRepoURL  string
	cloneRepoName string
	startDir      string
	stopPID       int
	stopDir       string
	logsFollow    bool
	cleanupDir    string
	runDir        string
	runTimeout    int
	watchInterval time.Duration
)

func init() {
	// clone command
	cloneCmd := &cobra.Command{
		Use:   "clone PR",
		Short: "Clone a PR branch into a fresh workspace",
		Args:  cobra.ExactArgs(1),
		RunE:  runClone,
	}
	cloneCmd.Flags().StringVar(&cloneBranch, "branch", "", "PR head branch")
	cloneCmd.Flags().StringVar(&cloneRepoURL, "repo-url", "", "repository clone URL")
	cloneCmd.Flags().StringVar(&cloneRepoName, "repo-name", "", "repository name used in the workspace path")
	for _, f := range []string{"branch", "repo-url", "repo-name"} {
		cloneCmd.MarkFlagRequired(f)
	}
	rootCmd.AddCommand(cloneCmd)

	// start command
	startCmd := &cobra.Command{
		Use:   "start PR",
		Short: "Run setup and start the PR's dev server",
		Args:  cobra.ExactArgs(1),
		RunE:  runStart,
	}
	startCmd.Flags().StringVar(&startDir, "dir", "", "workspace directory (default: the session's)")
	rootCmd.AddCommand(startCmd)

	// stop command
	stopCmd := &cobra.Command{
		Use:   "stop PR",
		Short: "Stop the PR's dev server and its child processes",
		Args:  cobra.ExactArgs(1),
		RunE:  runStop,
	}
	stopCmd.Flags().IntVar(&stopPID, "pid", 0, "process ID (default: the session's)")
	stopCmd.Flags().StringVar(&stopDir, "dir", "", "workspace directory (default: the session's)")
	rootCmd.AddCommand(stopCmd)

	// logs command
	logsCmd := &cobra.Command{
		Use:   "logs PR",
		Short: "Print a PR's setup and application log",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep streaming new lines")
	rootCmd.AddCommand(logsCmd)

	// sessions command
	sessionsCmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"status", "ls"},
		Short:   "List PR sessions",
		RunE:    runSessions,
	}
	rootCmd.AddCommand(sessionsCmd)

	// reap command
	reapCmd := &cobra.Command{
		Use:   "reap PR",
		Short: "Forget a stopped or failed session (the workspace stays on disk)",
		Args:  cobra.ExactArgs(1),
		RunE:  runReap,
	}
	rootCmd.AddCommand(reapCmd)

	// cleanup command
	cleanupCmd := &cobra.Command{
		Use:   "cleanup PR",
		Short: "Delete a stopped or failed session's workspace directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runCleanup,
	}
	cleanupCmd.Flags().StringVar(&cleanupDir, "dir", "", "workspace directory (default: the session's)")
	rootCmd.AddCommand(cleanupCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run COMMAND",
		Short: "Run a shell command on the server",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runDir, "dir", "", "working directory")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "timeout in seconds (server default when 0)")
	rootCmd.AddCommand(runCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Launch the terminal dashboard",
		RunE:  runWatch,
	}
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh interval")
	rootCmd.AddCommand(watchCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// apiClient connects to --server or the server configured in [web]
func apiClient() (*client.Client, error) {
	if serverURL != "" {
		return client.New(serverURL), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(baseURL(cfg.Web)), nil
}

func baseURL(web config.WebConfig) string {
	host := web.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(web.Port))
}

func parsePR(arg string) (int, error) {
	pr, err := strconv.Atoi(arg)
	if err != nil || pr <= 0 {
		return 0, fmt.Errorf("invalid PR number %q", arg)
	}
	return pr, nil
}

// sessionDefaults fills in the workspace and pid from the server's session
func sessionDefaults(ctx context.Context, c *client.Client, pr int, dir *string, pid *int) error {
	if *dir != "" && (pid == nil || *pid != 0) {
		return nil
	}
	sess, err := c.Session(ctx, pr)
	if err != nil {
		return err
	}
	if *dir == "" {
		*dir = sess.TempDir
	}
	if pid != nil && *pid == 0 {
		*pid = sess.ProcessID
		if *pid == 0 {
			*pid = sess.LastProcessID
		}
	}
	return nil
}

func runClone(cmd *cobra.Command, args []string) error {
	pr, err := parsePR(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient()
	if err != nil {
		return err
	}

	sess, err := c.Clone(cmd.Context(), api.CloneRequest{
		PRNumber: pr,
		Branch:   cloneBranch,
		RepoURL:  cloneRepoURL,
		RepoName: cloneRepoName,
	})
	if err != nil {
		if sess != nil {
			fmt.Fprintf(os.Stderr, "PR #%d is %s; see `pr-preview logs %d`\n", pr, sess.State, pr)
		}
		return err
	}
	fmt.Printf("PR #%d ready: %s (%s)\n", pr, sess.TempDir, sess.State)
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	pr, err := parsePR(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient()
	if err != nil {
		return err
	}
	dir := startDir
	if err := sessionDefaults(cmd.Context(), c, pr, &dir, nil); err != nil {
		return err
	}

	pid, err := c.Start(cmd.Context(), pr, dir)
	if err != nil {
		return err
	}
	fmt.Printf("PR #%d started: pid %d in %s\n", pr, pid, dir)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	pr, err := parsePR(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient()
	if err != nil {
		return err
	}
	dir, pid := stopDir, stopPID
	if err := sessionDefaults(cmd.Context(), c, pr, &dir, &pid); err != nil {
		return err
	}
	if pid == 0 {
		return fmt.Errorf("PR #%d has no process to stop", pr)
	}

	res, err := c.Stop(cmd.Context(), pr, pid, dir)
	if err != nil {
		return err
	}
	if res.NotFound {
		fmt.Printf("PR #%d: pid %d was not running\n", pr, pid)
		return nil
	}
	fmt.Printf("PR #%d stopped (pid %d)\n", pr, pid)
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	pr, err := parsePR(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient()
	if err != nil {
		return err
	}

	if !logsFollow {
		lines, err := c.Logs(cmd.Context(), pr)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	return c.Follow(ctx, pr, func(line logbuf.Line) {
		fmt.Println(line.String())
	})
}

func runSessions(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	sessions, err := c.Sessions(cmd.Context())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}
	return printSessions(os.Stdout, sessions)
}

func printSessions(out io.Writer, sessions []api.SessionResponse) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PR\tSTATE\tBRANCH\tPID\tUPTIME\tCREATED\tWORKSPACE")
	for _, s := range sessions {
		pid := "-"
		if s.ProcessID != 0 {
			pid = strconv.Itoa(s.ProcessID)
		}
		uptime := s.Uptime
		if uptime == "" {
			uptime = "-"
		}
		created := "-"
		if t, err := time.Parse(time.RFC3339, s.CreatedAt); err == nil {
			created = humanize.Time(t)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", s.PRNumber, s.State, s.Branch, pid, uptime, created, s.TempDir)
	}
	return w.Flush()
}

func runReap(cmd *cobra.Command, args []string) error {
	pr, err := parsePR(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient()
	if err != nil {
		return err
	}
	if err := c.Reap(cmd.Context(), pr); err != nil {
		return err
	}
	fmt.Printf("PR #%d session removed\n", pr)
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	pr, err := parsePR(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient()
	if err != nil {
		return err
	}
	dir := cleanupDir
	if err := sessionDefaults(cmd.Context(), c, pr, &dir, nil); err != nil {
		return err
	}
	if err := c.Cleanup(cmd.Context(), pr, dir); err != nil {
		return err
	}
	fmt.Printf("PR #%d workspace %s removed\n", pr, dir)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	res, err := c.RunCommand(cmd.Context(), api.RunCommandRequest{
		Command:        args[0],
		Directory:      runDir,
		TimeoutSeconds: runTimeout,
	})
	if res != nil {
		fmt.Fprint(os.Stdout, res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && res != nil && res.ExitCode != 0 {
		return fmt.Errorf("command exited with status %d", res.ExitCode)
	}
	return err
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	model := tui.NewModel(tui.ModelConfig{Source: c, Interval: watchInterval})
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
