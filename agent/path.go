package agent

import "strings"

// ExecutionPath returns the object path of an execution. Object paths may not contain '-', so it becomes '_'.
func ExecutionPath(id string) string {
	return RootPath + "/" + strings.ReplaceAll(id, "-", "_")
}

// IDFromPath is the inverse of ExecutionPath.
func IDFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, RootPath+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return strings.ReplaceAll(rest, "_", "-"), true
}
