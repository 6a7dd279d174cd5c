package attest

import (
	"context"
	"strings"

	"github.com/bcherng/fim-server/pkg/store"
)

// ResolvePath matches a reported file path to the monitored directory that
// governs it: the longest declared directory_path that prefixes filePath.
// Returns nil when no declared baseline covers the path; callers treat that
// as untracked rather than rejecting, since narrowing monitoring scope is an
// admin decision, not a protocol violation.
func ResolvePath(paths []store.MonitoredPath, filePath string) *store.MonitoredPath {
	var best *store.MonitoredPath
	for i := range paths {
		dir := paths[i].DirectoryPath
		if !strings.HasPrefix(filePath, dir) {
			continue
		}
		if best == nil || len(dir) > len(best.DirectoryPath) {
			best = &paths[i]
		}
	}
	return best
}

func resolveForClient(ctx context.Context, s store.Store, clientID, filePath string) (*store.MonitoredPath, error) {
	paths, err := s.ListMonitoredPaths(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return ResolvePath(paths, filePath), nil
}
