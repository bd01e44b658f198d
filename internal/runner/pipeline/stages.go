package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/conveyorci/conveyor/internal/domain"
	"github.com/conveyorci/conveyor/internal/runner/configstore"
	"github.com/conveyorci/conveyor/internal/runner/manifest"
	"github.com/conveyorci/conveyor/internal/runner/registry"
	"github.com/conveyorci/conveyor/internal/runner/workspace"
)

const containerWorkdir = "/workspace"

// runBuildTest checks out the revision and runs the build and test commands,
// either on the host or inside the configured build image.
func (s Service) runBuildTest(ctx context.Context, req Request, run *runState, collector *logCollector) *domain.StageError {
	stage := domain.StageBuildTest

	gitCtx, cancelGit := context.WithTimeout(ctx, s.cfg.GitTimeout)
	defer cancelGit()
	collector.Add(fmt.Sprintf("checking out %s at %s", req.RepoURL, req.Revision))
	if err := s.checkout(gitCtx, s.authURL(req.RepoURL), req.Revision, run.srcDir); err != nil {
		return domain.NewStageError(stage, domain.ErrRunnerInternal, fmt.Errorf("checkout %s: %w", req.Revision, err))
	}

	if cmd := strings.TrimSpace(req.BuildCommand); cmd != "" {
		collector.Add("$ " + cmd)
		exit, err := s.runStep(ctx, req, "build", cmd, run.srcDir, collector.Add)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return domain.NewStageError(stage, domain.ErrBuildFailure,
					fmt.Errorf("build timed out after %s", s.stageTimeout(stage)))
			}
			return domain.NewStageError(stage, domain.ErrRunnerInternal, err)
		}
		if exit != 0 {
			return domain.NewStageError(stage, domain.ErrBuildFailure,
				fmt.Errorf("build command exited with status %d", exit))
		}
		collector.Add("build succeeded")
	}

	if cmd := strings.TrimSpace(req.TestCommand); cmd != "" {
		collector.Add("$ " + cmd)
		var firstFail string
		emit := func(line string) {
			if firstFail == "" {
				if name := failingTestName(line); name != "" {
					firstFail = name
				}
			}
			collector.Add(line)
		}
		exit, err := s.runStep(ctx, req, "test", cmd, run.srcDir, emit)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				serr := domain.NewStageError(stage, domain.ErrTestFailure,
					fmt.Errorf("tests timed out after %s", s.stageTimeout(stage)))
				serr.FirstFailingTest = firstFail
				return serr
			}
			return domain.NewStageError(stage, domain.ErrRunnerInternal, err)
		}
		if exit != 0 {
			serr := domain.NewStageError(stage, domain.ErrTestFailure,
				fmt.Errorf("test command exited with status %d", exit))
			serr.FirstFailingTest = firstFail
			return serr
		}
		collector.Add("tests passed")
	}

	return nil
}

// runStep executes one build or test command. When the request names a build
// image the command runs in a throwaway container with the source mounted.
func (s Service) runStep(ctx context.Context, req Request, step, command, dir string, emit func(string)) (int, error) {
	if strings.TrimSpace(req.BuildImage) == "" {
		return runCommand(ctx, command, dir, req.Env, emit)
	}
	return s.runContainerStep(ctx, req, step, command, dir, emit)
}

func (s Service) runContainerStep(ctx context.Context, req Request, step, command, dir string, emit func(string)) (int, error) {
	name := fmt.Sprintf("conveyor-%s-%s", req.RunID, step)
	if err := s.images.RemoveContainer(ctx, name); err != nil {
		s.logger.Warn("remove stale step container failed", "run_id", req.RunID, "container", name, "error", err)
	}
	if err := s.images.Pull(ctx, req.BuildImage, s.registryAuth(), emit); err != nil {
		s.logger.Warn("pull build image failed, using local copy if present",
			"run_id", req.RunID, "image", req.BuildImage, "error", err)
	}

	id, err := s.images.RunContainer(ctx, name, req.BuildImage, containerWorkdir,
		[]string{"/bin/sh", "-c", command}, envList(req.Env), []string{dir + ":" + containerWorkdir})
	if err != nil {
		return 0, fmt.Errorf("start %s container: %w", step, err)
	}
	defer func() {
		if err := s.images.RemoveContainer(context.Background(), id); err != nil {
			s.logger.Warn("remove step container failed", "run_id", req.RunID, "container", id, "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.images.StreamLogs(ctx, id, emit); err != nil && ctx.Err() == nil {
			s.logger.Warn("stream step logs failed", "run_id", req.RunID, "container", id, "error", err)
		}
	}()

	exit, err := s.images.WaitForStop(ctx, id)
	<-done
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, err
	}
	return int(exit), nil
}

// runPublish builds the image for the revision and pushes it under an
// immutable tag equal to the revision. Transient registry failures retry with
// backoff; an existing tag is only accepted when its digest matches the
// artifact already recorded for this revision.
func (s Service) runPublish(ctx context.Context, req Request, run *runState, collector *logCollector) (*ArtifactReport, *domain.StageError) {
	stage := domain.StagePublish
	tag := req.Revision
	ref := req.ImageRepo + ":" + tag
	auth := s.registryAuth()

	dockerfile := strings.TrimSpace(req.Dockerfile)
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	var (
		digest   string
		attempts int
	)
	operation := func() error {
		attempts++

		existing, err := s.images.Resolve(ctx, ref, auth)
		switch {
		case err == nil:
			if req.KnownDigest != "" && existing == req.KnownDigest {
				collector.Add(fmt.Sprintf("image %s already published with digest %s", ref, existing))
				digest = existing
				return nil
			}
			if digest != "" && existing == digest {
				// Our push from an earlier attempt landed.
				return nil
			}
			return backoff.Permanent(domain.NewStageError(stage, domain.ErrPublishConflict,
				fmt.Errorf("tag %s already exists with digest %s", ref, existing)))
		case errors.Is(err, registry.ErrTagNotFound):
			// Free to publish.
		case errors.Is(err, registry.ErrUnauthorized):
			return backoff.Permanent(domain.NewStageError(stage, domain.ErrPublishAuth, err))
		case errors.Is(err, registry.ErrTransient):
			return err
		default:
			return backoff.Permanent(domain.NewStageError(stage, domain.ErrRunnerInternal, err))
		}

		if err := s.images.BuildImage(ctx, run.srcDir, dockerfile, ref, nil, collector.Add); err != nil {
			if errors.Is(err, registry.ErrTransient) {
				return err
			}
			return backoff.Permanent(domain.NewStageError(stage, domain.ErrBuildFailure, err))
		}
		collector.Add("image built: " + ref)

		pushed, err := s.images.Push(ctx, ref, auth, collector.Add)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrUnauthorized):
				return backoff.Permanent(domain.NewStageError(stage, domain.ErrPublishAuth, err))
			case errors.Is(err, registry.ErrTransient):
				return err
			default:
				return backoff.Permanent(domain.NewStageError(stage, domain.ErrRunnerInternal, err))
			}
		}
		digest = pushed

		verified, err := s.images.Resolve(ctx, ref, auth)
		if err != nil {
			if errors.Is(err, registry.ErrTransient) {
				return err
			}
			return backoff.Permanent(domain.NewStageError(stage, domain.ErrRunnerInternal,
				fmt.Errorf("verify push: %w", err)))
		}
		if verified != digest {
			return backoff.Permanent(domain.NewStageError(stage, domain.ErrPublishConflict,
				fmt.Errorf("tag %s moved during publish: pushed %s, registry has %s", ref, digest, verified)))
		}
		return nil
	}

	if err := backoff.Retry(operation, s.retryPolicy(ctx, s.cfg.PublishAttempts)); err != nil {
		var serr *domain.StageError
		if errors.As(err, &serr) {
			serr.Attempts = attempts
			return nil, serr
		}
		serr = domain.NewStageError(stage, domain.ErrPublishTransient, err)
		serr.Attempts = attempts
		return nil, serr
	}

	collector.Add(fmt.Sprintf("published %s@%s", ref, digest))
	return &ArtifactReport{Repository: req.ImageRepo, Tag: tag, Digest: digest}, nil
}

// runConfigUpdate points the deployment configuration at the published
// revision through a conditional write against the config repository.
func (s Service) runConfigUpdate(ctx context.Context, req Request, run *runState, collector *logCollector) (*ConfigWrite, *domain.StageError) {
	stage := domain.StageConfigUpdate
	value := req.Revision

	store := s.newStore(configstore.GitConfig{
		RepoURL:     s.authURL(req.ConfigRepoURL),
		Branch:      req.ConfigBranch,
		Dir:         workspace.ConfigDir(run.workdir),
		AuthorName:  s.cfg.CommitName,
		AuthorEmail: s.cfg.CommitEmail,
		Attempts:    s.cfg.ConfigAttempts,
		RetryDelay:  s.cfg.RetryBaseDelay,
	})

	collector.Add(fmt.Sprintf("setting %s %s=%s", req.ConfigPath, req.ConfigKey, value))
	revision, changed, err := store.Update(ctx, req.ConfigPath, commitMessage(req, value), func(content []byte) ([]byte, bool, error) {
		return manifest.SetKey(content, req.ConfigKey, value)
	})
	if err != nil {
		switch {
		case errors.Is(err, configstore.ErrConflict):
			serr := domain.NewStageError(stage, domain.ErrConfigConflict, err)
			serr.Attempts = s.cfg.ConfigAttempts
			return nil, serr
		case errors.Is(err, configstore.ErrAuth):
			return nil, domain.NewStageError(stage, domain.ErrConfigAuth, err)
		case errors.Is(err, configstore.ErrNotFound):
			return nil, domain.NewStageError(stage, domain.ErrRunnerInternal,
				fmt.Errorf("config file missing: %w", err))
		default:
			return nil, domain.NewStageError(stage, domain.ErrRunnerInternal, err)
		}
	}

	if changed {
		collector.Add("config committed at revision " + revision)
	} else {
		collector.Add(fmt.Sprintf("config already points at %s, nothing to commit", value))
	}
	return &ConfigWrite{
		Path:     req.ConfigPath,
		Key:      req.ConfigKey,
		Value:    value,
		Revision: revision,
		Changed:  changed,
	}, nil
}

func (s Service) retryPolicy(ctx context.Context, attempts int) backoff.BackOff {
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	expo := backoff.NewExponentialBackOff()
	if s.cfg.RetryBaseDelay > 0 {
		expo.InitialInterval = s.cfg.RetryBaseDelay
	}
	expo.Multiplier = 2
	expo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(retries)), ctx)
}

// commitMessage renders the config commit subject for a promotion.
func commitMessage(req Request, value string) string {
	name := strings.TrimSpace(req.AppName)
	if name == "" {
		name = req.AppID
	}
	if env := strings.TrimSpace(req.Environment); env != "" {
		return fmt.Sprintf("conveyor: promote %s (%s) to %s", name, env, value)
	}
	return fmt.Sprintf("conveyor: promote %s to %s", name, value)
}

// failingTestName extracts a test identifier from a failure line emitted by
// go test or unittest style runners.
func failingTestName(line string) string {
	trimmed := strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(trimmed, "--- FAIL: "); ok {
		if i := strings.IndexByte(rest, ' '); i > 0 {
			return rest[:i]
		}
		return rest
	}
	if rest, ok := strings.CutPrefix(trimmed, "FAIL: "); ok {
		rest = strings.TrimSpace(rest)
		if i := strings.IndexByte(rest, ' '); i > 0 {
			return rest[:i]
		}
		return rest
	}
	return ""
}
