// Package remotefs is the file-I/O abstraction spec.md §1 calls an
// external collaborator, "specified only by the interface the core uses":
// it gives internal/inventory's Walk and internal/pgcontrol's Read a way to
// read a source data directory that lives on another host, by shelling out
// over the teacher's own SSH client (internal/ssh) the same way the
// teacher's orchestrator fetched pg_control with a `cat`-over-ssh
// one-liner.
package remotefs

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/vbp1/pgcatchup/internal/errkind"
	"github.com/vbp1/pgcatchup/internal/inventory"
)

// Runner is the subset of *ssh.Client this package needs, kept minimal so
// tests can fake it without a live connection.
type Runner interface {
	Output(ctx context.Context, cmd string) ([]byte, error)
}

// FS implements inventory.FS and pgcontrol.Runner against a data directory
// reachable over an already-dialed SSH session.
type FS struct {
	Client Runner
	ctx    context.Context
}

// New wraps an ssh.Client (or test double) bound to ctx for the lifetime
// of one catchup run.
func New(ctx context.Context, client Runner) *FS {
	return &FS{Client: client, ctx: ctx}
}

// shellQuote wraps s in single quotes, escaping any embedded single quote,
// so paths with spaces or shell metacharacters survive the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Lstat reports the size and type of path without following a trailing
// symlink, via `find -maxdepth 0 -printf`.
func (f *FS) Lstat(path string) (fs.FileInfo, error) {
	out, err := f.Client.Output(f.ctx, fmt.Sprintf(`find %s -maxdepth 0 -printf '%%s\t%%y\n'`, shellQuote(path)))
	if err != nil {
		return nil, errkind.Wrapf(err, errkind.IOFailure, "remotefs: lstat %s", path)
	}
	return parseFindLine(path, out)
}

// ReadDir lists path's immediate children, one level deep, via `find
// -mindepth 1 -maxdepth 1 -printf`.
func (f *FS) ReadDir(path string) ([]fs.DirEntry, error) {
	out, err := f.Client.Output(f.ctx, fmt.Sprintf(`find %s -mindepth 1 -maxdepth 1 -printf '%%f\t%%s\t%%y\n'`, shellQuote(path)))
	if err != nil {
		return nil, errkind.Wrapf(err, errkind.IOFailure, "remotefs: readdir %s", path)
	}
	var entries []fs.DirEntry
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("remotefs: malformed find output line %q", line)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("remotefs: bad size in %q: %w", line, err)
		}
		entries = append(entries, dirEntry{name: fields[0], info: fileInfo{name: fields[0], size: size, kind: fields[2]}})
	}
	return entries, nil
}

// Readlink returns the target of a symlink, via `readlink`.
func (f *FS) Readlink(path string) (string, error) {
	out, err := f.Client.Output(f.ctx, fmt.Sprintf(`readlink %s`, shellQuote(path)))
	if err != nil {
		return "", errkind.Wrapf(err, errkind.IOFailure, "remotefs: readlink %s", path)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// Run executes pg_controldata remotely, satisfying pgcontrol.Runner.
func (f *FS) Run(ctx context.Context, dataDir string) ([]byte, error) {
	out, err := f.Client.Output(ctx, fmt.Sprintf(`pg_controldata %s`, shellQuote(dataDir)))
	if err != nil {
		return nil, errkind.Wrapf(err, errkind.IOFailure, "remotefs: pg_controldata %s", dataDir)
	}
	return out, nil
}

// Cat reads an arbitrary remote file in full, the same one-liner the
// teacher's stepBackupStop used to fetch pg_control before this package
// existed; internal/engine uses it to stage the source control file locally
// when the source is remote, before internal/finalize copies it.
func (f *FS) Cat(path string) ([]byte, error) {
	out, err := f.Client.Output(f.ctx, fmt.Sprintf(`cat %s`, shellQuote(path)))
	if err != nil {
		return nil, errkind.Wrapf(err, errkind.IOFailure, "remotefs: cat %s", path)
	}
	return out, nil
}

func parseFindLine(path string, out []byte) (fs.FileInfo, error) {
	line := strings.TrimRight(string(out), "\n")
	fields := strings.SplitN(line, "\t", 2)
	if len(fields) != 2 {
		return nil, fmt.Errorf("remotefs: malformed find output for %s: %q", path, line)
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("remotefs: bad size for %s: %w", path, err)
	}
	name := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		name = path[i+1:]
	}
	return fileInfo{name: name, size: size, kind: fields[1]}, nil
}

// fileInfo implements fs.FileInfo from a find `%y` type letter: 'd'
// directory, 'l' symlink, 'f' regular file (find(1)'s own vocabulary).
type fileInfo struct {
	name string
	size int64
	kind string
}

func (fi fileInfo) Name() string { return fi.name }
func (fi fileInfo) Size() int64  { return fi.size }
func (fi fileInfo) Mode() fs.FileMode {
	switch fi.kind {
	case "d":
		return fs.ModeDir | 0o700
	case "l":
		return fs.ModeSymlink | 0o777
	default:
		return 0o600
	}
}
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return fi.kind == "d" }
func (fi fileInfo) Sys() any           { return nil }

type dirEntry struct {
	name string
	info fileInfo
}

func (d dirEntry) Name() string               { return d.name }
func (d dirEntry) IsDir() bool                { return d.info.kind == "d" }
func (d dirEntry) Type() fs.FileMode          { return d.info.Mode().Type() }
func (d dirEntry) Info() (fs.FileInfo, error) { return d.info, nil }
