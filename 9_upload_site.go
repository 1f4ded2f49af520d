package airadar

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var UploadSiteCmd = &cobra.Command{
	Use:   "upload-site",
	Short: "Upload the HTML report archive to GitHub Pages",
	Run: func(cmd *cobra.Command, args []string) {
		if err := UploadSite(docsDir()); err != nil {
			log.Error("failed to upload to GitHub Pages", "err", err)
			return
		}
		log.Info("successfully uploaded to GitHub Pages")
	},
}

// UploadSite copies the archive in siteDir into the gh-pages branch of the
// current repository and pushes it when anything changed.
func UploadSite(siteDir string) error {
	if _, err := os.Stat(filepath.Join(siteDir, "index.html")); err != nil {
		return fmt.Errorf("%s/index.html not found, run generate-html first: %w", siteDir, err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	// Create a temporary directory for the gh-pages branch
	tempDir := filepath.Join(cwd, "gh-pages-temp")
	if err := os.RemoveAll(tempDir); err != nil {
		return fmt.Errorf("failed to remove existing temp directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			log.Warn("failed to remove temp directory", "err", err)
		}
	}()

	if _, err := git(cwd, "rev-parse", "--git-dir"); err != nil {
		return fmt.Errorf("not in a git repository")
	}
	remoteURL, err := git(cwd, "config", "--get", "remote.origin.url")
	if err != nil {
		return fmt.Errorf("failed to get remote URL: %w", err)
	}

	log.Info("📤 cloning repository for GitHub Pages")
	if _, err := git(cwd, "clone", strings.TrimSpace(remoteURL), tempDir); err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}

	if _, err := git(tempDir, "show-ref", "--verify", "--quiet", "refs/remotes/origin/gh-pages"); err == nil {
		if _, err := git(tempDir, "checkout", "gh-pages"); err != nil {
			if _, err := git(tempDir, "checkout", "-b", "gh-pages", "origin/gh-pages"); err != nil {
				return fmt.Errorf("failed to checkout gh-pages branch: %w", err)
			}
		}
	} else {
		if _, err := git(tempDir, "checkout", "--orphan", "gh-pages"); err != nil {
			return fmt.Errorf("failed to create gh-pages branch: %w", err)
		}
		// fails when there is nothing to remove
		if _, err := git(tempDir, "rm", "-rf", "."); err != nil {
			log.Warn("failed to remove files from orphan branch", "err", err)
		}
	}

	if err := copyDir(siteDir, tempDir); err != nil {
		return fmt.Errorf("failed to copy site: %w", err)
	}
	if _, err := git(tempDir, "add", "-A"); err != nil {
		return fmt.Errorf("failed to add files to git: %w", err)
	}

	status, err := git(tempDir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("failed to check git status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		log.Info("no changes to commit")
		return nil
	}

	commitMessage := fmt.Sprintf("Update AI news reports - %s", time.Now().Format(time.DateTime))
	if _, err := git(tempDir, "commit", "-m", commitMessage); err != nil {
		return fmt.Errorf("failed to commit changes: %w", err)
	}
	if _, err := git(tempDir, "push", "origin", "gh-pages"); err != nil {
		return fmt.Errorf("failed to push to gh-pages branch: %w", err)
	}
	return nil
}

// git runs a git command in dir and returns its standard output.
func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// copyDir copies the regular files under src into dst, keeping their
// relative paths.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
