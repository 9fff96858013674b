package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
	// Banner receives the startup banner. Nil prints to stdout; use
	// io.Discard to silence it.
	Banner io.Writer
}

type Drainer interface {
	Drain() error
}

const Version = "dev"

func PrintBanner(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	if w == io.Discard {
		return
	}
	tpl := "{{ .Title \"VOICEPRINT\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, true, bytes.NewBufferString(tpl))
}
