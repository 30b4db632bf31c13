package trace

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// A trace file records one line per system call, optionally led by a
// timestamp token:
//
//	13:37:21.123456 execve("/usr/bin/vim", ["vim"], 0x7ffd... /* 56 vars */) = 0
//
// The program a process ran is the quoted first argument of its first execve
// record. Inside quoted string arguments the tracer escapes double quotes,
// so a literal `execve("` only ever appears at a call site.
var execveRe = regexp.MustCompile(`(?:^|\s)execve\("([^"]+)"`)

// FirstExecPath scans trace output line by line and returns the path
// argument of the first execve record. Lines that do not match the grammar,
// malformed or truncated, are skipped. The boolean is false when the whole
// stream holds no execve record, which is normal for a forked child that
// never executed a new image.
//
// The execve token sits at the start of its line (after the timestamp), so
// only the leading fragment of each line is matched; the tail of a line
// longer than the read buffer is discarded and scanning continues with the
// next line.
func FirstExecPath(r io.Reader) (string, bool) {
	reader := bufio.NewReaderSize(r, 64*1024)

	continuation := false
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			return "", false
		}
		if !continuation {
			if match := execveRe.FindSubmatch(chunk); match != nil {
				return string(match[1]), true
			}
		}
		continuation = isPrefix
	}
}

// pidFromName extracts the numeric suffix of a per-process trace file name,
// "{prefix}.{pid}". Names with any other shape are not trace files.
func pidFromName(name, prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(name, prefix+".")
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(rest)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
