package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

var DebugLog func(string, ...interface{})

// Script identifies an external Python entry point.
type Script struct {
	Python  string
	Path    string
	WorkDir string
	Env     []string
}

func (s Script) command(ctx context.Context) (*exec.Cmd, error) {
	if s.Path == "" {
		return nil, fmt.Errorf("script path is empty")
	}
	python := s.Python
	if python == "" {
		python = "python3"
	}

	cmd := exec.CommandContext(ctx, python, s.Path)
	cmd.Dir = s.WorkDir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	return cmd, nil
}

// TrainRequest is the JSON document the training script reads from stdin.
type TrainRequest struct {
	ModelName      string                   `json:"model_name"`
	Layer          int                      `json:"layer"`
	SubmoduleName  string                   `json:"submodule_name"`
	Device         string                   `json:"device"`
	DType          string                   `json:"dtype"`
	Dataset        string                   `json:"dataset"`
	ContextLength  int                      `json:"context_length"`
	LLMBatchSize   int                      `json:"llm_batch_size"`
	SAEBatchSize   int                      `json:"sae_batch_size"`
	BufferSize     int                      `json:"buffer_size"`
	IO             string                   `json:"io"`
	Steps          int                      `json:"steps"`
	SaveSteps      []int                    `json:"save_steps"`
	LogSteps       *int                     `json:"log_steps"`
	SaveDir        string                   `json:"save_dir"`
	UseWandb       bool                     `json:"use_wandb"`
	WandbProject   string                   `json:"wandb_project,omitempty"`
	TrainerConfigs []map[string]interface{} `json:"trainer_configs"`
}

type Trainer struct {
	script Script
	stdout io.Writer
	stderr io.Writer
}

func NewTrainer(script Script) *Trainer {
	return &Trainer{
		script: script,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// SetOutput redirects the training script's output, which otherwise goes to
// the parent's stdout and stderr.
func (t *Trainer) SetOutput(stdout, stderr io.Writer) {
	t.stdout = stdout
	t.stderr = stderr
}

// Train runs the training script to completion. The script receives req as
// JSON on stdin.
func (t *Trainer) Train(ctx context.Context, req TrainRequest) error {
	if len(req.TrainerConfigs) == 0 {
		return fmt.Errorf("training request for %s has no trainer configs", req.SubmoduleName)
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal training request: %w", err)
	}

	cmd, err := t.script.command(ctx)
	if err != nil {
		return err
	}
	cmd.Stdin = bytes.NewReader(reqJSON)
	cmd.Stdout = t.stdout
	cmd.Stderr = t.stderr

	if DebugLog != nil {
		DebugLog("running %s %s with %d trainer configs", cmd.Path, t.script.Path, len(req.TrainerConfigs))
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("training cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("training script failed: %w", err)
	}
	return nil
}

// EvalRequest is the JSON document the evaluation script reads from stdin.
type EvalRequest struct {
	ModelName              string `json:"model_name"`
	AEPath                 string `json:"ae_path"`
	Device                 string `json:"device"`
	DType                  string `json:"dtype"`
	Dataset                string `json:"dataset"`
	NInputs                int    `json:"n_inputs"`
	ContextLength          int    `json:"context_length"`
	LLMBatchSize           int    `json:"llm_batch_size"`
	LossRecoveredBatchSize int    `json:"loss_recovered_batch_size"`
	SAEBatchSize           int    `json:"sae_batch_size"`
	NBatches               int    `json:"n_batches"`
	IO                     string `json:"io"`
}

// NewEvalRequest fills the batch sizes the evaluator derives from the model's
// LLM batch size and context length.
func NewEvalRequest(modelName, aePath, device, dtype, dataset string, nInputs, contextLength, llmBatchSize int) EvalRequest {
	lossRecovered := llmBatchSize / 5
	if lossRecovered < 1 {
		lossRecovered = 1
	}
	return EvalRequest{
		ModelName:              modelName,
		AEPath:                 aePath,
		Device:                 device,
		DType:                  dtype,
		Dataset:                dataset,
		NInputs:                nInputs,
		ContextLength:          contextLength,
		LLMBatchSize:           llmBatchSize,
		LossRecoveredBatchSize: lossRecovered,
		SAEBatchSize:           lossRecovered * contextLength,
		NBatches:               nInputs / lossRecovered,
		IO:                     "out",
	}
}

type evalResponse struct {
	Metrics map[string]interface{} `json:"metrics"`
	Error   string                 `json:"error,omitempty"`
}

type Evaluator struct {
	script Script
}

func NewEvaluator(script Script) *Evaluator {
	return &Evaluator{script: script}
}

// Evaluate runs the evaluation script and returns the metrics it reports.
// The script prints one JSON object as its last stdout line, either
// {"metrics": {...}} or {"error": "..."}; a bare object is taken as the
// metrics themselves.
func (e *Evaluator) Evaluate(ctx context.Context, req EvalRequest) (map[string]interface{}, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal eval request: %w", err)
	}

	cmd, err := e.script.command(ctx)
	if err != nil {
		return nil, err
	}
	cmd.Stdin = bytes.NewReader(reqJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if DebugLog != nil {
		DebugLog("evaluating %s", req.AEPath)
	}

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to run evaluation: %w, output: %s", err, strings.TrimSpace(stderr.String()))
	}

	line := lastJSONLine(stdout.String())
	if line == "" {
		return nil, fmt.Errorf("evaluation produced no result, output: %s", stdout.String())
	}
	line = nullNonFinite(line)

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation result: %w, output: %s", err, line)
	}

	if _, wrapped := raw["metrics"]; !wrapped {
		if _, failed := raw["error"]; !failed {
			return raw, nil
		}
	}

	var resp evalResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation result: %w, output: %s", err, line)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("evaluation error: %s", resp.Error)
	}
	if resp.Metrics == nil {
		resp.Metrics = map[string]interface{}{}
	}
	return resp.Metrics, nil
}

// nullNonFinite rewrites the NaN, Infinity and -Infinity tokens Python's
// json.dumps emits by default to null. Quoted text is left alone.
func nullNonFinite(line string) string {
	if !strings.Contains(line, "NaN") && !strings.Contains(line, "Infinity") {
		return line
	}

	var b strings.Builder
	b.Grow(len(line))
	inString, escaped := false, false
	for i := 0; i < len(line); {
		c := line[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			i++
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			i++
			continue
		}

		replaced := false
		for _, tok := range []string{"-Infinity", "Infinity", "NaN"} {
			if strings.HasPrefix(line[i:], tok) {
				b.WriteString("null")
				i += len(tok)
				replaced = true
				break
			}
		}
		if !replaced {
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func lastJSONLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "{") {
			return line
		}
	}
	return ""
}
