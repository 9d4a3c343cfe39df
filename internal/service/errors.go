package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrNotFound        = errors.New("not found")
)

type Stage string

const (
	StageStoreFrame Stage = "store_frame"
	StageDetect     Stage = "detect"
	StageClassify   Stage = "classify"
	StagePersist    Stage = "persist"
)

// PipelineError reports the stage at which a frame's run stopped.
type PipelineError struct {
	Stage Stage
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed at %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Dependency names the upstream that failed, for operators.
func (e *PipelineError) Dependency() string {
	switch e.Stage {
	case StageDetect:
		return "detector"
	case StageClassify:
		return "reasoning"
	case StagePersist:
		return "storage"
	case StageStoreFrame:
		return "frame_store"
	}
	return "unknown"
}
