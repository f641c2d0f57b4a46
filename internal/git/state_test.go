package git

import (
	"os"
	"path/filepath"
	"testing"
)

// TestCurrentStatus verifies change counting against a real repository with
// every bucket populated at once.
func TestCurrentStatus(t *testing.T) {
	dir := setupTestRepo(t)
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	status, err := r.CurrentStatus()
	if err != nil {
		t.Fatalf("CurrentStatus() failed: %v", err)
	}
	if !status.Clean() {
		t.Errorf("Clean() = false for fresh repo, status = %+v", status)
	}

	commitFile(t, dir, ".gitignore", "ignored.log\n", "add gitignore")
	commitFile(t, dir, "data.txt", "v1\n", "add data")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0644); err != nil {
		t.Fatalf("failed to modify README.md: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "staged.txt"), []byte("s\n"), 0644); err != nil {
		t.Fatalf("failed to write staged.txt: %v", err)
	}
	mustGit(t, dir, "add", "staged.txt")
	if err := os.WriteFile(filepath.Join(dir, "untracked.txt"), []byte("u\n"), 0644); err != nil {
		t.Fatalf("failed to write untracked.txt: %v", err)
	}
	mustGit(t, dir, "rm", "data.txt")
	if err := os.WriteFile(filepath.Join(dir, "ignored.log"), []byte("i\n"), 0644); err != nil {
		t.Fatalf("failed to write ignored.log: %v", err)
	}

	status, err = r.CurrentStatus()
	if err != nil {
		t.Fatalf("CurrentStatus() failed: %v", err)
	}
	if status.Clean() {
		t.Error("Clean() = true for dirty repo, want false")
	}
	if status.Unstaged != 1 {
		t.Errorf("Unstaged = %d, want 1", status.Unstaged)
	}
	// The added file and the staged deletion both count as staged.
	if status.Staged != 2 {
		t.Errorf("Staged = %d, want 2", status.Staged)
	}
	if status.Untracked != 1 {
		t.Errorf("Untracked = %d, want 1", status.Untracked)
	}
	if status.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", status.Deleted)
	}
	if status.Ignored != 1 {
		t.Errorf("Ignored = %d, want 1", status.Ignored)
	}
	if status.Merging || status.Rebasing || status.CherryPicking {
		t.Errorf("operation flags set for plain dirty tree: %+v", status)
	}
}

// TestCurrentStatusMergeFlag verifies the merge flag rides along with the
// counts.
func TestCurrentStatusMergeFlag(t *testing.T) {
	dir := setupTestRepo(t)
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	head, _ := r.CommitHash("HEAD")
	if err := os.WriteFile(filepath.Join(r.GitDir(), "MERGE_HEAD"), []byte(head+"\n"), 0644); err != nil {
		t.Fatalf("failed to write MERGE_HEAD: %v", err)
	}

	status, err := r.CurrentStatus()
	if err != nil {
		t.Fatalf("CurrentStatus() failed: %v", err)
	}
	if !status.Merging {
		t.Error("Merging = false with MERGE_HEAD present, want true")
	}
	if status.Clean() {
		t.Error("Clean() = true during merge, want false")
	}
}

// TestParseStatusCounts exercises the bucket rules, including entries that
// land in two buckets at once.
func TestParseStatusCounts(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Status
	}{
		{
			name:   "empty",
			output: "",
			want:   Status{},
		},
		{
			name:   "worktree modify",
			output: " M a.txt\x00",
			want:   Status{Unstaged: 1},
		},
		{
			name:   "staged add",
			output: "A  b.txt\x00",
			want:   Status{Staged: 1},
		},
		{
			name:   "staged deletion counts twice",
			output: "D  c.txt\x00",
			want:   Status{Staged: 1, Deleted: 1},
		},
		{
			name:   "worktree deletion counts twice",
			output: " D d.txt\x00",
			want:   Status{Unstaged: 1, Deleted: 1},
		},
		{
			name:   "staged then modified again",
			output: "MM e.txt\x00",
			want:   Status{Staged: 1, Unstaged: 1},
		},
		{
			name:   "untracked and ignored",
			output: "?? f.txt\x00!! g.log\x00",
			want:   Status{Untracked: 1, Ignored: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseStatusCounts(tt.output); got != tt.want {
				t.Errorf("parseStatusCounts(%q) = %+v, want %+v", tt.output, got, tt.want)
			}
		})
	}
}

// TestStatusDescribe verifies the rendered form shown when startup is
// refused over a dirty tree.
func TestStatusDescribe(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   string
	}{
		{
			name:   "clean",
			status: Status{},
			want:   "no operations in progress, \nno changed or unstaged files",
		},
		{
			name:   "merge with untracked file",
			status: Status{Untracked: 1, Merging: true},
			want:   "merge in progress, \n1 untracked file",
		},
		{
			name:   "plural counts and stacked operations",
			status: Status{Unstaged: 2, Deleted: 1, Merging: true, Rebasing: true},
			want:   "merge in progress, rebase in progress, \n2 unstaged files\n1 deleted file",
		},
		{
			name:   "ignored files alone read as clean",
			status: Status{Ignored: 3},
			want:   "no operations in progress, \nno changed or unstaged files",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Describe(); got != tt.want {
				t.Errorf("Describe() = %q, want %q", got, tt.want)
			}
		})
	}
}
