package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = MarketSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// MarketSemVer is the current version of the market node.
	// It's the Semantic Version of the software.
	MarketSemVer = "0.1.0"
)

// Protocol is used for implementation agnostic versioning.
type Protocol uint64

// P2PProtocol versions the market messages exchanged between traders.
const P2PProtocol Protocol = 1

// Info describes the running software.
type Info struct {
	Version     string   `json:"version"`
	GitCommit   string   `json:"git_commit,omitempty"`
	P2PProtocol Protocol `json:"p2p_protocol"`
}

// Current returns the Info of this build.
func Current() Info {
	return Info{Version: Version, GitCommit: GitCommit, P2PProtocol: P2PProtocol}
}
