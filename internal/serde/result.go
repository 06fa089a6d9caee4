package serde

import (
	"github.com/Southclaws/fault/fmsg"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/commands"
)

// Result is the outcome of a command in its encoded form.
type Result struct {
	Command string       `json:"command"`
	ID      string       `json:"id"`
	Address string       `json:"address,omitempty"`
	Data    any          `json:"data,omitempty"`
	Error   *ResultError `json:"error,omitempty"`
}

// ResultError describes a failed command.
type ResultError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// NewResult describes the outcome of a completed command. The data is
// omitted when the command failed.
func NewResult(cmd commands.Command, data any) Result {
	result := Result{
		Command: cmd.Kind().String(),
		ID:      cmd.ID().String(),
		Address: cmd.Address().String(),
	}

	err := cmd.Err()
	if err == nil {
		result.Data = data
		return result
	}

	result.Error = &ResultError{
		Kind:    string(errorkinds.KindOf(err)),
		Message: fmsg.GetIssue(err),
		Detail:  err.Error(),
	}
	if result.Error.Message == "" {
		result.Error.Message = result.Error.Detail
		result.Error.Detail = ""
	}

	return result
}

// MarshalResult encodes the outcome of a completed command.
func MarshalResult(cmd commands.Command, data any) ([]byte, error) {
	return MarshalJson(NewResult(cmd, data))
}
