// Package script defines the contract between rule nodes and a script evaluator.
// The evaluator may run in-process or behind a remote call; nodes only see Executor.
package script

import (
	"context"

	"ruleengine/pkg/models"
)

type Kind string

const (
	// KindFilter scripts evaluate to a boolean.
	KindFilter Kind = "filter"
	// KindSwitch scripts evaluate to a list of relation labels.
	KindSwitch Kind = "switch"
	// KindTransform scripts evaluate to a map with optional "msg", "metadata" and "msgType" keys.
	KindTransform Kind = "transform"
	// KindString scripts evaluate to text, used for log and template nodes.
	KindString Kind = "string"
)

type Script struct {
	ID     string
	Kind   Kind
	Source string
}

type Result struct {
	Match     bool
	Relations []string
	Envelope  models.Envelope
	Text      string
}

// Executor evaluates scripts against an envelope. Evaluation failures are returned
// as SCRIPT_ERROR, an expired context as TIMEOUT.
type Executor interface {
	Validate(s Script) error
	Execute(ctx context.Context, s Script, env models.Envelope) (Result, error)
}
