package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ruleengine/internal/logger"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/metrics"
	"ruleengine/pkg/models"
	"ruleengine/pkg/script"
)

// ExternalCallFunc performs a call to an outside system. It runs on its own
// goroutine and must honour ctx.
type ExternalCallFunc func(ctx context.Context) (interface{}, error)

// Context is handed to a node for one invocation. Its methods, and the completion
// callbacks passed to ExternalCall and ExecuteScript, run on the chain actor's
// goroutine; a node must not call them from goroutines of its own.
type Context interface {
	// Route hands env to every edge labelled relation. It may be called several times.
	Route(env models.Envelope, relation string)
	// Fail ends the invocation with err. Transient errors are retried.
	Fail(env models.Envelope, err error)
	// ExternalCall runs call under the external call timeout and delivers the
	// result to done. Errors reach done as TRANSIENT_ERROR unless already typed.
	ExternalCall(name string, call ExternalCallFunc, done func(result interface{}, err error))
	// ExecuteScript evaluates s against env under the script timeout.
	ExecuteScript(s script.Script, env models.Envelope, done func(script.Result, error))

	TenantID() uuid.UUID
	ChainID() uuid.UUID
	NodeID() string
	Now() time.Time
	// Context is cancelled when the invocation times out or the chain stops.
	Context() context.Context
	Logger() logger.Logger
}

type nodeContext struct {
	actor *chainActor
	inv   *invocation
}

var _ Context = (*nodeContext)(nil)

func (c *nodeContext) Route(env models.Envelope, relation string) {
	c.actor.route(c.inv, env, relation)
}

func (c *nodeContext) Fail(env models.Envelope, err error) {
	c.actor.fail(c.inv, env, err)
}

func (c *nodeContext) ExternalCall(name string, call ExternalCallFunc, done func(result interface{}, err error)) {
	inv := c.inv
	if inv.closed {
		c.Logger().Warnw("External call after invocation completed ignored", "call", name)
		return
	}

	inv.pendingAsync++
	callCtx, cancel := context.WithTimeout(inv.ctx, c.actor.settings.ExternalCallTimeout)
	go func() {
		defer cancel()
		start := time.Now()

		result, err := guard(func() (interface{}, error) {
			return call(callCtx)
		})
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				err = apperrors.ErrTransient.
					WithMessage(fmt.Sprintf("external call %s timed out", name)).
					WithCause(err)
			} else {
				err = apperrors.Transient(err)
			}
		}

		status := "success"
		if err != nil {
			status = apperrors.CodeOf(err)
		}
		metrics.ObserveExternalCall(name, status, time.Since(start))

		c.actor.post(asyncResultMsg{invocationID: inv.id, apply: func() {
			done(result, err)
		}})
	}()
}

func (c *nodeContext) ExecuteScript(s script.Script, env models.Envelope, done func(script.Result, error)) {
	inv := c.inv
	if inv.closed {
		c.Logger().Warnw("Script execution after invocation completed ignored", "script_id", s.ID)
		return
	}

	executor := c.actor.scripts
	inv.pendingAsync++
	scriptCtx, cancel := context.WithTimeout(inv.ctx, c.actor.settings.ScriptTimeout)
	go func() {
		defer cancel()

		var (
			result script.Result
			err    error
		)
		if executor == nil {
			err = apperrors.ErrScript.WithMessage("no script executor configured")
		} else {
			var out interface{}
			out, err = guard(func() (interface{}, error) {
				r, execErr := executor.Execute(scriptCtx, s, env)
				return r, execErr
			})
			if r, ok := out.(script.Result); ok {
				result = r
			}
		}

		c.actor.post(asyncResultMsg{invocationID: inv.id, apply: func() {
			done(result, err)
		}})
	}()
}

func (c *nodeContext) TenantID() uuid.UUID {
	return c.actor.tenantID
}

func (c *nodeContext) ChainID() uuid.UUID {
	return c.actor.chainID
}

func (c *nodeContext) NodeID() string {
	return c.inv.task.node.def.ID
}

func (c *nodeContext) Now() time.Time {
	return c.actor.now()
}

func (c *nodeContext) Context() context.Context {
	return c.inv.ctx
}

func (c *nodeContext) Logger() logger.Logger {
	if c.inv.log == nil {
		c.inv.log = c.actor.log.Named(
			"node_id", c.inv.task.node.def.ID,
			"message_id", c.inv.task.msg.env.ID(),
		)
	}
	return c.inv.log
}

func guard(fn func() (interface{}, error)) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = apperrors.RecoverPanic(r)
		}
	}()
	return fn()
}
