package agent

import (
	"os"
	"strings"

	"github.com/danmuck/edgesession/internal/spawn"
)

// Env is what the spawn coordinator hands a launched agent.
type Env struct {
	Tag       string
	Hint      string
	DaemonURL string
}

// EnvFromOS reads the launch environment of the current process.
func EnvFromOS() Env {
	return EnvFrom(os.LookupEnv)
}

func EnvFrom(lookup func(string) (string, bool)) Env {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	return Env{
		Tag:       get(spawn.EnvSessionTag),
		Hint:      get(spawn.EnvSessionHint),
		DaemonURL: get(spawn.EnvDaemonURL),
	}
}

// ResolvedTag is the tag the agent resolves under: the injected tag, else
// the hint, else a fresh one for a standalone agent.
func (e Env) ResolvedTag() string {
	return spawn.TagFor(spawn.LaunchRequest{Tag: e.Tag, Hint: e.Hint})
}
