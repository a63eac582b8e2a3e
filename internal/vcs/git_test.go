package vcs

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

// initTestRepo creates a throwaway git repository with one seed commit.
func initTestRepo(t *testing.T) *Git {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v (%s)", args, err, out)
		}
	}

	g := NewGit(dir)
	ctx := context.Background()
	if err := g.WriteFile("README.md", []byte("seed\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := g.Stage(ctx, "README.md"); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := g.Commit(ctx, "seed"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return g
}

func TestCommitAndStatusRoundTrip(t *testing.T) {
	g := initTestRepo(t)
	ctx := context.Background()

	clean, err := g.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if clean != "" {
		t.Fatalf("fresh repo dirty: %q", clean)
	}

	if err := g.WriteFile("server/types/user.ts", []byte("interface User {}\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	dirty, err := g.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if dirty == "" {
		t.Fatal("status clean after write")
	}

	if err := g.Stage(ctx, "server/types/user.ts"); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	ref, err := g.Commit(ctx, "add user type")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	head, err := g.CurrentRef(ctx)
	if err != nil {
		t.Fatalf("CurrentRef: %v", err)
	}
	if ref != head {
		t.Fatalf("Commit ref %s != HEAD %s", ref, head)
	}
}

func TestCheckoutFileRestoresContent(t *testing.T) {
	g := initTestRepo(t)
	ctx := context.Background()

	ref, err := g.FileLastRef(ctx, "README.md")
	if err != nil || ref == "" {
		t.Fatalf("FileLastRef = (%q, %v)", ref, err)
	}

	if err := g.WriteFile("README.md", []byte("clobbered\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := g.CheckoutFile(ctx, ref, "README.md"); err != nil {
		t.Fatalf("CheckoutFile: %v", err)
	}
	data, err := g.ReadFile("README.md")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "seed\n" {
		t.Fatalf("restored content = %q, want seed", data)
	}
}

func TestUnstageRemovesIndexEntry(t *testing.T) {
	g := initTestRepo(t)
	ctx := context.Background()

	if err := g.WriteFile("scratch.ts", []byte("tmp\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := g.Stage(ctx, "scratch.ts"); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := g.Unstage(ctx, "scratch.ts"); err != nil {
		t.Fatalf("Unstage: %v", err)
	}
	if err := g.DeleteFile("scratch.ts"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}

	status, err := g.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != "" {
		t.Fatalf("index entry survived unstage: %q", status)
	}

	// Unstaging an untracked path is a no-op, not an error.
	if err := g.Unstage(ctx, "never/staged.ts"); err != nil {
		t.Fatalf("Unstage untracked: %v", err)
	}
}

func TestBranchCreateAndSwitch(t *testing.T) {
	g := initTestRepo(t)
	ctx := context.Background()

	orig, err := g.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	if err := g.Branch(ctx, "feature-x"); err != nil {
		t.Fatalf("Branch create: %v", err)
	}
	if got, _ := g.CurrentBranch(ctx); got != "feature-x" {
		t.Fatalf("branch = %s, want feature-x", got)
	}

	// Switching back must reuse the existing branch, not recreate it.
	if err := g.Branch(ctx, orig); err != nil {
		t.Fatalf("Branch switch: %v", err)
	}
	if got, _ := g.CurrentBranch(ctx); got != orig {
		t.Fatalf("branch = %s, want %s", got, orig)
	}
	if err := g.Branch(ctx, "feature-x"); err != nil {
		t.Fatalf("Branch existing: %v", err)
	}
}

func TestDiffBetweenRefs(t *testing.T) {
	g := initTestRepo(t)
	ctx := context.Background()

	before, err := g.CurrentRef(ctx)
	if err != nil {
		t.Fatalf("CurrentRef: %v", err)
	}
	if err := g.WriteFile("README.md", []byte("seed\nmore\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := g.Stage(ctx, "README.md"); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	after, err := g.Commit(ctx, "extend readme")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	diff, err := g.Diff(ctx, before, after, "README.md")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !strings.Contains(diff, "+more") {
		t.Fatalf("diff missing the added line: %q", diff)
	}

	// Restricting to an untouched path yields no diff.
	empty, err := g.Diff(ctx, before, after, "never/touched.ts")
	if err != nil {
		t.Fatalf("Diff untouched: %v", err)
	}
	if empty != "" {
		t.Fatalf("diff for untouched path = %q, want empty", empty)
	}
}

func TestFileLastRefEmptyForNewFile(t *testing.T) {
	g := initTestRepo(t)

	ref, err := g.FileLastRef(context.Background(), "never/committed.ts")
	if err != nil {
		t.Fatalf("FileLastRef: %v", err)
	}
	if ref != "" {
		t.Fatalf("ref for uncommitted path = %q, want empty", ref)
	}
}

func TestDeleteFileIdempotent(t *testing.T) {
	g := initTestRepo(t)

	for i := 0; i < 2; i++ {
		if err := g.DeleteFile("README.md"); err != nil {
			t.Fatalf("DeleteFile pass %d: %v", i, err)
		}
	}
	if g.Exists("README.md") {
		t.Fatal("file still present")
	}
}

func TestExistsPrefix(t *testing.T) {
	g := initTestRepo(t)

	if err := g.WriteFile("database/migrations/001_habits.sql", []byte("CREATE TABLE habits (id INTEGER);")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !g.ExistsPrefix("database/migrations/001_") {
		t.Fatal("prefix not found")
	}
	if g.ExistsPrefix("database/migrations/002_") {
		t.Fatal("phantom prefix found")
	}
}
