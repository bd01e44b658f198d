package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/conveyorci/conveyor/pkg/api/client"
	"github.com/conveyorci/conveyor/pkg/config"
)

// buildVersion is injected at build time via -ldflags.
var buildVersion = "dev"

const (
	defaultAPIBaseURL = "http://localhost:4000"
	callTimeout       = 15 * time.Second
	watchInterval     = 2 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOpts carries the values of persistent flags. Contents are only valid
// once cobra runs a subcommand.
type globalOpts struct {
	apiBase    string
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}

	root := &cobra.Command{
		Use:   "conveyor",
		Short: "Operator CLI for the conveyor delivery pipeline",
		Long: `conveyor drives the promotion pipeline from the terminal: register
applications, trigger and watch runs, read logs, and inspect how far the
cluster has converged on the desired state.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.apiBase, "api", "", "control plane base URL (overrides the config file)")
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultCLIConfigPath(), "path to the CLI config file")

	root.AddCommand(
		newLoginCmd(opts),
		newAppsCmd(opts),
		newRunsCmd(opts),
		newRollbackCmd(opts),
		newLogsCmd(opts),
		newStatusCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig resolves the effective CLI config, applying the --api override.
func (g *globalOpts) loadConfig() (config.CLIConfig, error) {
	cfg, err := config.LoadCLIConfig(g.configPath)
	if err != nil {
		return config.CLIConfig{}, fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(g.apiBase) != "" {
		cfg.APIBaseURL = g.apiBase
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return cfg, nil
}

// session returns a ready client plus the stored access token, or an error
// telling the operator to log in.
func (g *globalOpts) session() (config.CLIConfig, *apiclient.Client, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return config.CLIConfig{}, nil, err
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return config.CLIConfig{}, nil, errors.New("please login first using 'conveyor login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return config.CLIConfig{}, nil, err
	}
	return cfg, client, nil
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

func newLoginCmd(g *globalOpts) *cobra.Command {
	var (
		email    string
		password string
		register bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate against the control plane and store the session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(email) == "" {
				return errors.New("--email is required")
			}
			secret := strings.TrimSpace(password)
			if secret == "" {
				fmt.Print("Password: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Print("\n")
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				secret = string(raw)
			}

			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			client, err := apiclient.New(cfg.APIBaseURL)
			if err != nil {
				return err
			}

			ctx, cancel := callCtx()
			defer cancel()
			var resp apiclient.AuthResponse
			if register {
				resp, err = client.Register(ctx, email, secret)
			} else {
				resp, err = client.Login(ctx, email, secret)
			}
			if err != nil {
				return err
			}

			cfg.AccessToken = resp.Tokens.AccessToken
			cfg.RefreshToken = resp.Tokens.RefreshToken
			if err := config.SaveCLIConfig(g.configPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("logged in as %s\n", resp.Operator.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "operator email address")
	cmd.Flags().StringVar(&password, "password", "", "password (supply to avoid prompt)")
	cmd.Flags().BoolVar(&register, "register", false, "create the operator account instead of logging in")
	return cmd
}

func newAppsCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "Manage registered applications",
	}
	cmd.AddCommand(
		newAppsListCmd(g),
		newAppsCreateCmd(g),
		newAppsGetCmd(g),
		newAppsEnvCmd(g),
		newAppsArtifactsCmd(g),
		newAppsRotateSecretCmd(g),
	)
	return cmd
}

func newAppsListCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List applications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()
			apps, err := client.ListApps(ctx, cfg.AccessToken)
			if err != nil {
				return err
			}
			for _, app := range apps {
				fmt.Printf("%s\t%s\t%s\t%s\n", app.Name, app.Environment, app.RepoURL, app.ImageRepo)
			}
			return nil
		},
	}
}

func newAppsCreateCmd(g *globalOpts) *cobra.Command {
	var input apiclient.CreateAppInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an application with the pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			required := []struct{ flag, value string }{
				{"--name", input.Name},
				{"--repo", input.RepoURL},
				{"--image-repo", input.ImageRepo},
				{"--config-repo", input.ConfigRepoURL},
				{"--config-path", input.ConfigPath},
				{"--config-key", input.ConfigKey},
			}
			for _, req := range required {
				if strings.TrimSpace(req.value) == "" {
					return fmt.Errorf("%s is required", req.flag)
				}
			}

			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()
			resp, err := client.CreateApp(ctx, cfg.AccessToken, input)
			if err != nil {
				return err
			}
			fmt.Printf("application created: %s (%s)\n", resp.Application.Name, resp.Application.ID)
			fmt.Printf("webhook secret: %s\n", resp.WebhookSecret)
			fmt.Println("store this secret now, it is shown only once and can only be rotated")
			return nil
		},
	}
	cmd.Flags().StringVar(&input.Name, "name", "", "unique application name")
	cmd.Flags().StringVar(&input.RepoURL, "repo", "", "source repository URL")
	cmd.Flags().StringVar(&input.Branch, "branch", "", "branch that triggers runs (default main)")
	cmd.Flags().StringVar(&input.BuildCommand, "build-cmd", "", "build command run inside the build image")
	cmd.Flags().StringVar(&input.TestCommand, "test-cmd", "", "test command run inside the build image")
	cmd.Flags().StringVar(&input.BuildImage, "build-image", "", "container image used for build and test")
	cmd.Flags().StringVar(&input.Dockerfile, "dockerfile", "", "Dockerfile path for the publish stage")
	cmd.Flags().StringVar(&input.ImageRepo, "image-repo", "", "registry repository for published images")
	cmd.Flags().StringVar(&input.ConfigRepoURL, "config-repo", "", "configuration repository URL")
	cmd.Flags().StringVar(&input.ConfigBranch, "config-branch", "", "configuration repository branch (default main)")
	cmd.Flags().StringVar(&input.ConfigPath, "config-path", "", "manifest file path inside the configuration repository")
	cmd.Flags().StringVar(&input.ConfigKey, "config-key", "", "manifest key to rewrite with the published tag")
	cmd.Flags().StringVar(&input.Environment, "environment", "", "target environment label (default production)")
	return cmd
}

func newAppsGetCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "get APP",
		Short: "Show one application by id or name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()
			app, err := client.GetApp(ctx, cfg.AccessToken, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Name:           %s\n", app.Name)
			fmt.Printf("ID:             %s\n", app.ID)
			fmt.Printf("Repository:     %s (%s)\n", app.RepoURL, app.Branch)
			fmt.Printf("Build:          %s in %s\n", app.BuildCommand, app.BuildImage)
			fmt.Printf("Test:           %s\n", app.TestCommand)
			fmt.Printf("Image repo:     %s\n", app.ImageRepo)
			fmt.Printf("Config repo:    %s (%s)\n", app.ConfigRepoURL, app.ConfigBranch)
			fmt.Printf("Config target:  %s key %s\n", app.ConfigPath, app.ConfigKey)
			fmt.Printf("Environment:    %s\n", app.Environment)
			return nil
		},
	}
}

func newAppsEnvCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage sealed build-time environment variables",
	}

	set := &cobra.Command{
		Use:   "set APP KEY VALUE",
		Short: "Set a variable (the value is sealed at rest)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()
			if err := client.SetEnvVar(ctx, cfg.AccessToken, args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Printf("env var set: %s\n", args[1])
			return nil
		},
	}

	ls := &cobra.Command{
		Use:   "ls APP",
		Short: "List variable names (values are never returned)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()
			keys, err := client.ListEnvKeys(ctx, cfg.AccessToken, args[0])
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			return nil
		},
	}

	rm := &cobra.Command{
		Use:   "rm APP KEY",
		Short: "Remove a variable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()
			if err := client.DeleteEnvVar(ctx, cfg.AccessToken, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("env var removed: %s\n", args[1])
			return nil
		},
	}

	cmd.AddCommand(set, ls, rm)
	return cmd
}

func newAppsArtifactsCmd(g *globalOpts) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "artifacts APP",
		Short: "List published image artifacts, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()
			artifacts, err := client.ListArtifacts(ctx, cfg.AccessToken, args[0], limit)
			if err != nil {
				return err
			}
			for _, artifact := range artifacts {
				fmt.Printf("%s\t%s\t%s\t%s\n", artifact.Tag, artifact.Digest, artifact.Repository, artifact.PushedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of artifacts to list")
	return cmd
}

func newAppsRotateSecretCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-secret APP",
		Short: "Rotate the webhook signing secret, invalidating the previous one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()
			secret, err := client.RotateWebhookSecret(ctx, cfg.AccessToken, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("new webhook secret: %s\n", secret)
			return nil
		},
	}
}

func newRunsCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Trigger and inspect pipeline runs",
	}
	cmd.AddCommand(
		newRunsTriggerCmd(g),
		newRunsListCmd(g),
		newRunsGetCmd(g),
		newRunsWatchCmd(g),
		newRunsCancelCmd(g),
	)
	return cmd
}

func newRunsTriggerCmd(g *globalOpts) *cobra.Command {
	var branch string
	cmd := &cobra.Command{
		Use:   "trigger APP REVISION",
		Short: "Start a pipeline run for a source revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()
			run, err := client.TriggerRun(ctx, cfg.AccessToken, args[0], args[1], branch)
			if err != nil {
				return err
			}
			fmt.Printf("run triggered: %s status=%s\n", run.ID, run.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch the revision belongs to (default: the app's branch)")
	return cmd
}

func newRunsListCmd(g *globalOpts) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list APP",
		Short: "List runs for an application, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()
			runs, err := client.ListRuns(ctx, cfg.AccessToken, args[0], limit)
			if err != nil {
				return err
			}
			for _, run := range runs {
				fmt.Printf("%s\t%s\t%s\t%s\t%s\n", run.ID, shortRevision(run.Revision), run.Status, run.Trigger, run.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs to list")
	return cmd
}

func newRunsGetCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "get RUN",
		Short: "Show one run with its stage verdicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()
			detail, err := client.GetRun(ctx, cfg.AccessToken, args[0])
			if err != nil {
				return err
			}
			printRunDetail(detail)
			return nil
		},
	}
}

func newRunsWatchCmd(g *globalOpts) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch RUN",
		Short: "Poll a run until it reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			return watchRun(cfg, client, args[0], interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", watchInterval, "poll interval")
	return cmd
}

func watchRun(cfg config.CLIConfig, client *apiclient.Client, runID string, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if interval <= 0 {
		interval = watchInterval
	}

	// Re-announce a stage only when its status changes between polls.
	seen := make(map[string]string)
	for {
		pollCtx, cancel := context.WithTimeout(ctx, callTimeout)
		detail, err := client.GetRun(pollCtx, cfg.AccessToken, runID)
		cancel()
		if err != nil {
			return err
		}

		for _, stage := range detail.Stages {
			if seen[stage.Name] == stage.Status {
				continue
			}
			seen[stage.Name] = stage.Status
			fmt.Printf("%s\t%s\n", stage.Name, stage.Status)
		}

		switch detail.Run.Status {
		case "succeeded":
			fmt.Printf("run %s succeeded\n", detail.Run.ID)
			return nil
		case "failed":
			if detail.Run.Error != nil {
				return fmt.Errorf("run %s failed at %s: %s", detail.Run.ID, detail.Run.Error.Stage, detail.Run.Error.Message)
			}
			return fmt.Errorf("run %s failed", detail.Run.ID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func newRunsCancelCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN",
		Short: "Request cancellation (the stage in flight still finishes)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()
			if err := client.CancelRun(ctx, cfg.AccessToken, args[0]); err != nil {
				return err
			}
			fmt.Printf("cancellation requested for run %s\n", args[0])
			return nil
		},
	}
}

func newRollbackCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback APP REVISION",
		Short: "Re-point the deployed config at an already-published revision",
		Long: `Rollback starts a run that skips build and publish and rewrites the
configuration repository to reference the image already published for
REVISION. The revision must have a stored artifact; use 'conveyor apps
artifacts' to find one.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()
			run, err := client.Rollback(ctx, cfg.AccessToken, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("rollback triggered: %s status=%s\n", run.ID, run.Status)
			return nil
		},
	}
}

func newLogsCmd(g *globalOpts) *cobra.Command {
	var (
		limit int
		stage string
	)
	cmd := &cobra.Command{
		Use:   "logs RUN",
		Short: "Print stored logs for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()

			if stage != "" {
				url, err := client.StageLogURL(ctx, cfg.AccessToken, args[0], stage)
				if err != nil {
					return err
				}
				fmt.Println(url)
				return nil
			}

			entries, err := client.FetchLogs(ctx, cfg.AccessToken, args[0], limit)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				fmt.Printf("%s\t[%s]\t%s\n", entry.CreatedAt.Format(time.RFC3339), entry.Stage, entry.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of log lines")
	cmd.Flags().StringVar(&stage, "stage", "", "print a download URL for this stage's archived log instead")
	return cmd
}

func newStatusCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status APP",
		Short: "Show promotion status: latest run, desired state, and observed sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := callCtx()
			defer cancel()
			status, err := client.Status(ctx, cfg.AccessToken, args[0])
			if err != nil {
				return err
			}
			printStatus(status)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conveyor %s\n", strings.TrimSpace(buildVersion))
		},
	}
}

func printRunDetail(detail apiclient.RunDetail) {
	run := detail.Run
	fmt.Printf("Run:       %s\n", run.ID)
	fmt.Printf("App:       %s\n", run.AppID)
	fmt.Printf("Revision:  %s\n", run.Revision)
	fmt.Printf("Branch:    %s\n", run.Branch)
	fmt.Printf("Trigger:   %s\n", run.Trigger)
	fmt.Printf("Status:    %s\n", run.Status)
	if run.CancelRequested {
		fmt.Println("Cancel:    requested")
	}
	if run.Error != nil {
		fmt.Printf("Error:     %s (%s): %s\n", run.Error.Stage, run.Error.Kind, run.Error.Message)
		if run.Error.FirstFailingTest != "" {
			fmt.Printf("           first failing test: %s\n", run.Error.FirstFailingTest)
		}
	}
	for _, stage := range detail.Stages {
		line := fmt.Sprintf("  %-14s %s", stage.Name, stage.Status)
		if stage.StartedAt != nil && stage.CompletedAt != nil {
			line += fmt.Sprintf(" (%s)", stage.CompletedAt.Sub(*stage.StartedAt).Round(time.Second))
		}
		fmt.Println(line)
	}
}

func printStatus(status apiclient.AppStatus) {
	if status.Application != nil {
		fmt.Printf("Application:  %s (%s)\n", status.Application.Name, status.Application.Environment)
	}
	if status.LatestRun == nil {
		fmt.Println("Latest run:   none")
	} else {
		run := status.LatestRun
		fmt.Printf("Latest run:   %s %s revision=%s trigger=%s\n", run.ID, run.Status, shortRevision(run.Revision), run.Trigger)
		for _, stage := range status.Stages {
			fmt.Printf("  %-14s %s\n", stage.Name, stage.Status)
		}
	}
	if status.Desired != nil {
		fmt.Printf("Desired:      %s = %s (commit %s)\n", status.Desired.Key, status.Desired.Value, shortRevision(status.Desired.Revision))
	} else {
		fmt.Println("Desired:      nothing written yet")
	}
	if status.Observation != nil {
		fmt.Printf("Observed:     %s at %s (%s)\n", status.Observation.State, shortRevision(status.Observation.SyncRevision), status.Observation.ObservedAt.Format(time.RFC3339))
		if status.Observation.Message != "" {
			fmt.Printf("              %s\n", status.Observation.Message)
		}
	} else {
		fmt.Println("Observed:     no reconciliation data")
	}
	if status.Drift {
		fmt.Println("Drift:        cluster has not converged on the desired revision")
	}
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
