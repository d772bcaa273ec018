// Package common holds small helpers shared by the commands.
package common

import (
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"

	git "github.com/go-git/go-git/v5"
)

// Version and Commit are set with -ldflags "-X github.com/colorfulnotion/a64jit/common.Version=...".
var (
	Version = "dev"
	Commit  = ""
)

// GetCommitHash returns the short HEAD hash of the repository containing the working directory or
// the executable, "unknown" when neither is in one.
func GetCommitHash() string {
	if Commit != "" {
		return short(Commit)
	}
	if cwd, err := os.Getwd(); err == nil {
		if hash := computeHashFromPath(cwd); hash != "" {
			return short(hash)
		}
	}
	if exePath, err := os.Executable(); err == nil {
		if hash := computeHashFromPath(filepath.Dir(exePath)); hash != "" {
			return short(hash)
		}
	}
	return "unknown"
}

func short(hash string) string {
	if len(hash) >= 8 {
		return hash[:8]
	}
	return hash
}

func computeHashFromPath(path string) string {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}

// BuildVersion describes this binary.
func BuildVersion() string {
	return fmt.Sprintf("a64jit %s (%s) %s %s/%s", Version, GetCommitHash(), goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
}
