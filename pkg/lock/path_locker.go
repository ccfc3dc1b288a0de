package lock

import (
	"sync"

	"github.com/apex/log"
)

// PathLocker hands out one mutex per path. Two transfers that resolve to the same
// local file take turns instead of interleaving their writes.
type PathLocker struct {
	mapMutex sync.Mutex
	pathMap  map[string]*pathMutex
}

type pathMutex struct {
	sync.Mutex
	refs int
}

func NewPathLocker() *PathLocker {
	return &PathLocker{
		pathMap: make(map[string]*pathMutex),
	}
}

func (l *PathLocker) AcquireLock(path string) {
	l.mapMutex.Lock()
	m, ok := l.pathMap[path]
	if !ok {
		m = &pathMutex{}
		l.pathMap[path] = m
	}
	m.refs++
	l.mapMutex.Unlock()

	m.Lock()
}

func (l *PathLocker) ReleaseLock(path string) {
	l.mapMutex.Lock()
	defer l.mapMutex.Unlock()

	m, ok := l.pathMap[path]
	if !ok {
		log.Errorf("ReleaseLock called on path (%s) with no mutex", path)
		return
	}

	m.refs--
	if m.refs == 0 {
		delete(l.pathMap, path)
	}

	m.Unlock()
}
