package plan

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"autoforge/internal/store"
)

// fakeVCS is an in-memory working tree with a linear commit history and
// a staging area.
type fakeVCS struct {
	files      map[string][]byte   // working tree
	staged     map[string]bool     // index entries awaiting commit
	commits    []map[string][]byte // snapshots, index = ref
	lastRef    map[string]int      // path -> last commit touching it
	failOn     string              // path whose write errors
	failCommit bool
	commitN    int
}

func newFakeVCS() *fakeVCS {
	v := &fakeVCS{
		files:   make(map[string][]byte),
		staged:  make(map[string]bool),
		lastRef: make(map[string]int),
	}
	v.snapshot() // ref 0, empty tree
	return v
}

func (v *fakeVCS) snapshot() {
	snap := make(map[string][]byte, len(v.files))
	for k, b := range v.files {
		snap[k] = append([]byte(nil), b...)
	}
	v.commits = append(v.commits, snap)
}

func (v *fakeVCS) CurrentRef(context.Context) (string, error) {
	return fmt.Sprintf("ref-%d", len(v.commits)-1), nil
}

// Status mimics porcelain: one line per path that differs from HEAD,
// plus staged entries whose worktree copy is gone.
func (v *fakeVCS) Status(context.Context) (string, error) {
	head := v.commits[len(v.commits)-1]
	var lines []string
	for path, content := range v.files {
		if prev, ok := head[path]; !ok || string(prev) != string(content) {
			lines = append(lines, "M "+path)
		}
	}
	for path := range head {
		if _, ok := v.files[path]; !ok {
			lines = append(lines, "D "+path)
		}
	}
	for path := range v.staged {
		if _, inTree := v.files[path]; inTree {
			continue
		}
		if _, inHead := head[path]; inHead {
			continue
		}
		lines = append(lines, "AD "+path)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}

func (v *fakeVCS) FileLastRef(_ context.Context, path string) (string, error) {
	return fmt.Sprintf("ref-%d", v.lastRef[path]), nil
}

func (v *fakeVCS) Stage(_ context.Context, paths ...string) error {
	for _, p := range paths {
		v.staged[p] = true
	}
	return nil
}

func (v *fakeVCS) Unstage(_ context.Context, paths ...string) error {
	for _, p := range paths {
		delete(v.staged, p)
	}
	return nil
}

func (v *fakeVCS) Commit(_ context.Context, _ string) (string, error) {
	if v.failCommit {
		return "", fmt.Errorf("pre-commit hook rejected the commit")
	}
	v.staged = make(map[string]bool)
	v.snapshot()
	v.commitN++
	ref := len(v.commits) - 1
	for path := range v.files {
		v.lastRef[path] = ref
	}
	return fmt.Sprintf("ref-%d", ref), nil
}

func (v *fakeVCS) CheckoutFile(_ context.Context, ref, path string) error {
	var n int
	fmt.Sscanf(ref, "ref-%d", &n)
	if n >= len(v.commits) {
		return fmt.Errorf("no such ref %s", ref)
	}
	content, ok := v.commits[n][path]
	if !ok {
		delete(v.files, path)
		return nil
	}
	v.files[path] = append([]byte(nil), content...)
	return nil
}

func (v *fakeVCS) WriteFile(path string, content []byte) error {
	if path == v.failOn {
		return fmt.Errorf("disk error writing %s", path)
	}
	v.files[path] = append([]byte(nil), content...)
	return nil
}

func (v *fakeVCS) DeleteFile(path string) error {
	delete(v.files, path)
	return nil
}

func (v *fakeVCS) Exists(path string) bool {
	_, ok := v.files[path]
	return ok
}

func (v *fakeVCS) ExistsPrefix(prefix string) bool {
	for path := range v.files {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// fakeLocker records acquisition order and can simulate a conflict.
type fakeLocker struct {
	acquired   []string
	released   []string
	conflictOn string
}

func (l *fakeLocker) Acquire(path, holder string) error {
	if path == l.conflictOn {
		return store.ErrLockConflict
	}
	l.acquired = append(l.acquired, path)
	return nil
}

func (l *fakeLocker) ReleaseAll(paths []string, holder string) error {
	l.released = append(l.released, paths...)
	return nil
}
