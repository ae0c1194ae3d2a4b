package pipeline

import "fmt"

// ExitState classifies a terminal exit.
type ExitState string

// Exit states.
const (
	ExitSuccess     ExitState = "success"
	ExitError       ExitState = "error"
	ExitUnspecified ExitState = "unspecified"
)

// DefaultExit is added to graphs that declare no exits.
var DefaultExit = Exit{Name: "READY", State: ExitSuccess}

// Exit is a terminal node of a graph.
type Exit struct {
	Name  string    `yaml:"name"`
	State ExitState `yaml:"state"`
	Code  int       `yaml:"code"`
}

// IsSuccess reports whether the exit is classified success.
func (e Exit) IsSuccess() bool { return e.State == ExitSuccess }

// IsError reports whether the exit is classified error.
func (e Exit) IsError() bool { return e.State == ExitError }

func (e Exit) String() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s(%s,%d)", e.Name, e.State, e.Code)
	}
	return fmt.Sprintf("%s(%s)", e.Name, e.State)
}

func (s ExitState) valid() bool {
	switch s {
	case ExitSuccess, ExitError, ExitUnspecified:
		return true
	}
	return false
}

// Forward maps an outcome label to the next pipe or exit.
type Forward struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target"`
}
