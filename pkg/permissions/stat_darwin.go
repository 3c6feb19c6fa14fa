package permissions

import "golang.org/x/sys/unix"

func statTimes(st *unix.Stat_t) (atime, mtime unix.Timespec) {
	return st.Atimespec, st.Mtimespec
}
