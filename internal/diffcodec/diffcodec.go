// Package diffcodec implements the line-oriented edit script both sides of
// a sync exchange must agree on bit-for-bit. Generate computes a
// longest-common-subsequence diff over newline-split lines; Apply replays
// it against a prior blob. Apply never returns an error to escalate — a
// failure here is a precondition miss, and the caller (the sync engine)
// downgrades to a full fetch instead of surfacing it.
package diffcodec

import "strings"

import "github.com/mdflare/agent/internal/model"

// splitLines splits s on "\n" into its \n-separated decomposition, with no
// assumption that the last element has a trailing newline baked in
// (strings.Split already gives us that).
func splitLines(s string) []string {
	return strings.Split(s, "\n")
}

// Generate computes a DiffScript that turns old into new. Consecutive
// same-kind operations are collapsed: runs of matching lines become one
// Eq(n), runs of removed lines become one Del(n), and runs of inserted lines
// become one Ins([...]) carrying the inserted lines verbatim. The alignment
// is computed over line indices (not line values), so duplicate lines in
// either blob never confuse the script.
func Generate(old, new string) model.DiffScript {
	oldLines := splitLines(old)
	newLines := splitLines(new)

	dp := lcsTable(oldLines, newLines)

	var script model.DiffScript
	eqRun, delRun := 0, 0
	var insRun []string

	flushEq := func() {
		if eqRun > 0 {
			script = append(script, model.DiffOp{Kind: model.OpEq, N: eqRun})
			eqRun = 0
		}
	}
	// An insertion run must never straddle a deletion run (and vice versa),
	// so whichever kind is about to start forces the other to flush first;
	// an equal run forces both to flush before it begins.
	flushDel := func() {
		if delRun > 0 {
			script = append(script, model.DiffOp{Kind: model.OpDel, N: delRun})
			delRun = 0
		}
	}
	flushIns := func() {
		if len(insRun) > 0 {
			script = append(script, model.DiffOp{Kind: model.OpIns, Ins: insRun})
			insRun = nil
		}
	}

	i, j := 0, 0
	n, m := len(oldLines), len(newLines)
	for i < n && j < m {
		if oldLines[i] == newLines[j] && dp[i][j] == dp[i+1][j+1]+1 {
			flushDel()
			flushIns()
			eqRun++
			i++
			j++
			continue
		}
		flushEq()
		if dp[i+1][j] >= dp[i][j+1] {
			flushIns()
			delRun++
			i++
		} else {
			flushDel()
			insRun = append(insRun, newLines[j])
			j++
		}
	}
	flushEq()
	flushDel()
	flushIns()

	for i < n {
		delRun++
		i++
	}
	flushDel()
	for j < m {
		insRun = append(insRun, newLines[j])
		j++
	}
	flushIns()

	return script
}

// lcsTable builds the suffix-LCS-length dynamic-programming table used both
// to find the optimal alignment and to break ties deterministically.
func lcsTable(a, b []string) [][]int {
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}
	return dp
}

// Apply replays script against old's line decomposition. It returns
// ok=false on any length mismatch or malformed op; the caller must not
// treat that as an error to surface, only as a signal to fall back to a
// full fetch.
func Apply(old string, script model.DiffScript) (newContent string, ok bool) {
	oldLines := splitLines(old)
	var result []string
	pos := 0

	for _, op := range script {
		switch op.Kind {
		case model.OpEq:
			if pos+op.N > len(oldLines) {
				return "", false
			}
			result = append(result, oldLines[pos:pos+op.N]...)
			pos += op.N
		case model.OpDel:
			if pos+op.N > len(oldLines) {
				return "", false
			}
			pos += op.N
		case model.OpIns:
			for _, line := range op.Ins {
				result = append(result, line)
			}
		default:
			return "", false
		}
	}

	// Tolerant tail: any unclaimed suffix of old is appended as-is.
	if pos < len(oldLines) {
		result = append(result, oldLines[pos:]...)
	}

	return strings.Join(result, "\n"), true
}

// SerializedSize returns the approximate wire size of a diff, used by the
// sync engine to decide whether a diff is small enough to attach to an
// upload rather than falling back to a full-content upload.
func SerializedSize(script model.DiffScript) int {
	n := 0
	for _, op := range script {
		n += len(op.Kind) + 8
		for _, line := range op.Ins {
			n += len(line) + 3
		}
	}
	return n
}
