// Package vfs implements vfs_lookup (spec.md §4.9): path resolution
// built on top of pkg/namecache's entries, cache, and mount instances,
// plus the richer per-vnode operations surface (embedding pkg/iop's
// Vnode for read/write/ioctl dispatch) that pkg/namecache itself does
// not need.
package vfs

import (
	"strings"

	"github.com/keyronex/kernel/pkg/errkind"
	"github.com/keyronex/kernel/pkg/iop"
	"github.com/keyronex/kernel/pkg/namecache"
)

// Flags control Lookup's behavior, mirroring
// original_source/kernel/devmgr/vfs.c's lookup_flags.
type Flags int

const (
	FlagNone Flags = 0
	// FlagNoFollowFinalSymlink leaves a symlink named by the path's
	// final component unresolved.
	FlagNoFollowFinalSymlink Flags = 1 << iota
	// FlagLookup2ndLast (kLookup2ndLast) stops one component short, the
	// primitive *_at syscalls use to get a directory handle plus the
	// final component's name without resolving the latter.
	FlagLookup2ndLast
)

// maxSymlinkDepth bounds total symlink indirections across an entire
// lookup, per spec.md §4.9 step 2's "recurse up to a depth limit (8) to
// detect loops".
const maxSymlinkDepth = 8

// Vnode is the full per-vnode operations surface (spec.md §3 "Vnode"):
// pkg/namecache's narrow Type/Lookup/Readlink plus pkg/iop's
// Dispatch/Complete for read/write/ioctl routing.
type Vnode interface {
	namecache.Vnode
	iop.Vnode
}

// ErrTooManySymlinks is returned when a lookup exceeds maxSymlinkDepth.
var ErrTooManySymlinks = errkind.New("vfs: too many symlinks")

// ErrNotDirectory is returned when a path requiring a directory (a
// trailing slash, or a non-final component) names something else.
var ErrNotDirectory = errkind.New("vfs: not a directory")

func splitPath(path string) (components []string, absolute, mustBeDir bool) {
	absolute = strings.HasPrefix(path, "/")
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			components = append(components, c)
		}
	}
	mustBeDir = strings.HasSuffix(path, "/") && len(components) > 0
	return
}

func cloneHandle(h *namecache.Handle) (*namecache.Handle, error) {
	clone := &namecache.Handle{Entry: h.Entry, VFS: h.VFS}
	if err := clone.Retain(); err != nil {
		return nil, err
	}
	return clone, nil
}

// Lookup is vfs_lookup (spec.md §4.9): resolves path starting from
// start (or root, for an absolute path or a ".." past a filesystem
// root with no covering mount), honoring flags. The returned handle is
// retained; the caller releases it.
func Lookup(root, start *namecache.Handle, cache *namecache.Cache, path string, flags Flags) (*namecache.Handle, error) {
	components, absolute, mustBeDir := splitPath(path)

	var cur *namecache.Handle
	var err error
	if absolute {
		cur, err = cloneHandle(root)
	} else {
		cur, err = cloneHandle(start)
	}
	if err != nil {
		return nil, err
	}

	depth := 0
	for i := 0; i < len(components); i++ {
		comp := components[i]
		last := i == len(components)-1
		if last && flags&FlagLookup2ndLast != 0 {
			break
		}

		switch comp {
		case ".":
			continue

		case "..":
			if cur.Entry.Parent == nil && cur.VFS.Covered != nil {
				next, rerr := cloneHandle(cur.VFS.Covered)
				if rerr != nil {
					cur.Release()
					return nil, rerr
				}
				cur.Release()
				cur = next
			}
			continue
		}

		childEntry, lerr := cur.Entry.Lookup(comp)
		if lerr != nil {
			cur.Release()
			return nil, lerr
		}
		next := &namecache.Handle{Entry: childEntry, VFS: cur.VFS}
		if verr := next.VFS.Header.Retain(); verr != nil {
			childEntry.Release()
			cur.Release()
			return nil, verr
		}

		for next.Entry.MountedVFS != nil {
			mounted := next.Entry.MountedVFS
			mounted.Root.Retain()
			if verr := mounted.Header.Retain(); verr != nil {
				mounted.Root.Release()
				break
			}
			substituted := &namecache.Handle{Entry: mounted.Root, VFS: mounted}
			next.Release()
			next = substituted
		}

		if vn, ok := next.Entry.Vnode.(Vnode); ok && vn.Type() == namecache.TypeLink &&
			!(last && flags&FlagNoFollowFinalSymlink != 0) {
			if depth+1 > maxSymlinkDepth {
				next.Release()
				cur.Release()
				return nil, ErrTooManySymlinks
			}
			depth++

			target, rerr := vn.Readlink()
			if rerr != nil {
				next.Release()
				cur.Release()
				return nil, rerr
			}
			next.Release()

			targetComponents, targetAbsolute, _ := splitPath(target)
			if targetAbsolute {
				cur.Release()
				cur, err = cloneHandle(root)
				if err != nil {
					return nil, err
				}
			}
			tail := append([]string{}, components[i+1:]...)
			components = append(append(append([]string{}, components[:i]...), targetComponents...), tail...)
			i--
			continue
		}

		cur.Release()
		cur = next
	}

	if mustBeDir {
		if vn, ok := cur.Entry.Vnode.(Vnode); !ok || vn.Type() != namecache.TypeDir {
			cur.Release()
			return nil, ErrNotDirectory
		}
	}
	return cur, nil
}
