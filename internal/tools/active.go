package tools

import "sync"

// ActiveProject is the mutable pointer selecting which database the
// tools operate on. The runtime coordinator writes it while holding
// the run lock; tool handlers read it on every invocation and must not
// cache the value across calls.
type ActiveProject struct {
	mu       sync.RWMutex
	project  string
	database string
}

func (a *ActiveProject) Set(project, database string) {
	a.mu.Lock()
	a.project = project
	a.database = database
	a.mu.Unlock()
}

func (a *ActiveProject) Get() (project, database string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.project, a.database
}
