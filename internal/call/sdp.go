package call

import "strings"

// stripCandidateLines removes every "a=candidate:" line from an SDP blob.
// Both offers and answers cross the TCP signaling channel with their real
// candidates stripped, so the remote engine only ever learns about the
// synthetic relay candidate injected locally.
func stripCandidateLines(sdp string) string {
	lines := strings.Split(sdp, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if strings.HasPrefix(trimmed, "a=candidate:") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
