package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnreadableAudio      = errors.New("unreadable audio")
	ErrInvalidTheme         = errors.New("invalid theme")
	ErrInvalidAnalysis      = errors.New("invalid analysis")
	ErrRenderFailure        = errors.New("render failure")
	ErrKnownIncompatibility = errors.New("known engine incompatibility")
	ErrShotExhausted        = errors.New("shot exhausted all takes")
	ErrIncompleteManifest   = errors.New("incomplete manifest")
	ErrCancelled            = errors.New("run cancelled")
)

// StageError carries the stage and offending input of a fatal stage failure.
// It unwraps to the underlying sentinel so callers can use errors.Is.
type StageError struct {
	Stage RunStage
	Input string
	Err   error
}

func (e *StageError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Input, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err for the given stage and input.
func NewStageError(stage RunStage, input string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StageError
	if errors.As(err, &existing) {
		return err
	}
	return &StageError{Stage: stage, Input: input, Err: err}
}
