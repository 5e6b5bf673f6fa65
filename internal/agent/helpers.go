package agent

import (
	"sort"
	"time"
)

func waitClosed(done <-chan error) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		<-done
		close(out)
	}()
	return out
}

// timeoutAfter returns a timer channel, or nil (never fires) when the
// duration is non-positive.
func timeoutAfter(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	return time.After(d)
}

// paramFlags renders session params as --key value pairs in a stable
// order, dropping anything outside the agent's supported set.
func paramFlags(params map[string]string, supported []string) []string {
	if len(params) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(supported))
	for _, k := range supported {
		allowed[k] = true
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		if len(supported) > 0 && !allowed[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, "--"+k, params[k])
	}
	return out
}
