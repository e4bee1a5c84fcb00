package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/textproc"
)

// Coarse progress milestones for a subprocess run, matching the phases the
// engine actually goes through.
const (
	progressStarted   = 0.1
	progressSynthesis = 0.2
	progressEncoded   = 0.9
)

// ChatLLMConfig holds the fixed parameters for the chatllm binary.
type ChatLLMConfig struct {
	BinaryPath    string
	ModelPath     string
	SnacModelPath string
	TempDir       string
	Seed          int
	NGL           int
	TopP          float64
	Temperature   float64
}

// ChatLLMEngine implements core.Engine by invoking the chatllm binary and
// publishing the resulting audio to the artifact store.
type ChatLLMEngine struct {
	cfg        ChatLLMConfig
	artifacts  core.ObjectStore
	normalizer *textproc.Normalizer
	log        *logger.Logger
}

// NewChatLLM creates a subprocess-backed speech engine.
func NewChatLLM(cfg ChatLLMConfig, artifacts core.ObjectStore, log *logger.Logger) (*ChatLLMEngine, error) {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "chatllm"
	}

	if cfg.TempDir != "" {
		err := os.MkdirAll(cfg.TempDir, 0o750)
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir '%s': %w", cfg.TempDir, err)
		}
	}

	return &ChatLLMEngine{
		cfg:        cfg,
		artifacts:  artifacts,
		normalizer: textproc.NewNormalizer(),
		log:        log,
	}, nil
}

// Generate synthesizes speech for the request. The subprocess inherits ctx,
// so a cooperative cancellation kills it mid-run.
func (e *ChatLLMEngine) Generate(
	ctx context.Context,
	req core.GenerationRequest,
	progress core.ProgressFunc,
) (string, error) {
	err := ValidateRequest(req)
	if err != nil {
		return "", fmt.Errorf("invalid generation request: %w", err)
	}

	progress(progressStarted)

	tempFile, err := os.CreateTemp(e.cfg.TempDir, "temp_audio_*.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for audio output: %w", err)
	}

	tempPath := tempFile.Name()

	_ = tempFile.Close()

	defer func() {
		removeErr := os.Remove(tempPath)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			e.log.Warn("Failed to remove temp file '%s': %v", tempPath, removeErr)
		}
	}()

	args := []string{
		"-m", e.cfg.ModelPath,
		"--snac_model", e.cfg.SnacModelPath,
		"-p", fmt.Sprintf("{%s}: %s", req.Voice, e.normalizer.Normalize(req.Text)),
		"--tts_export", tempPath,
		"--seed", strconv.Itoa(e.cfg.Seed),
		"-ngl", strconv.Itoa(e.cfg.NGL),
		"--top_p", fmt.Sprintf("%.2f", e.cfg.TopP),
		"--temp", fmt.Sprintf("%.2f", e.cfg.Temperature),
	}

	progress(progressSynthesis)

	// #nosec G204 -- arguments are validated via ValidateRequest
	cmd := exec.CommandContext(ctx, e.cfg.BinaryPath, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("synthesis interrupted: %w", ctx.Err())
		}

		return "", fmt.Errorf("chatllm binary execution failed: %w - output: %s", err, string(output))
	}

	audioData, err := os.ReadFile(tempPath)
	if err != nil {
		return "", fmt.Errorf("failed to read audio data from temp file: %w", err)
	}

	progress(progressEncoded)

	artifactKey := uuid.NewString() + filepath.Ext(tempPath)

	err = e.artifacts.Upload(ctx, artifactKey, audioData)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio artifact '%s': %w", artifactKey, err)
	}

	return artifactKey, nil
}
