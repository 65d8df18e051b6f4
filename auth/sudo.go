package auth

import (
	"os/user"
	"strings"
	"sync"

	"github.com/BaSui01/minionflow/types"
)

// DefaultSudoPrefix marks callers acting through a privileged proxy.
const DefaultSudoPrefix = "sudo_"

// IsSudo reports whether the identity name carries the sudo prefix.
func IsSudo(id types.Identity, prefix string) bool {
	if prefix == "" {
		prefix = DefaultSudoPrefix
	}
	return strings.HasPrefix(id.Name, prefix) && len(id.Name) > len(prefix)
}

// SudoName strips the sudo prefix, returning the name unchanged otherwise.
func SudoName(id types.Identity, prefix string) string {
	if !IsSudo(id, prefix) {
		return id.Name
	}
	if prefix == "" {
		prefix = DefaultSudoPrefix
	}
	return strings.TrimPrefix(id.Name, prefix)
}

var (
	runningOnce sync.Once
	runningName string
)

// RunningUser returns the name of the OS user this process runs as.
func RunningUser() string {
	runningOnce.Do(func() {
		if u, err := user.Current(); err == nil {
			runningName = u.Username
		}
	})
	return runningName
}

// IsRunningUser reports whether the identity's bare name is the process
// owner. An unresolvable process owner never matches.
func IsRunningUser(id types.Identity, prefix string) bool {
	return isUser(SudoName(id, prefix), RunningUser())
}

func isUser(name, running string) bool {
	return running != "" && name == running
}
