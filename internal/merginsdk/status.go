package merginsdk

import (
	"strconv"
	"strings"

	"github.com/lutraconsulting/mergin-go/internal/version"
)

// VersionStatus is the outcome of comparing the server version reported by
// /ping against the API version this client speaks.
type VersionStatus int

const (
	VersionUnknown VersionStatus = iota
	VersionOK
	VersionOldServer // server older than the client API
	VersionOldClient // client needs an update to talk to this server
	VersionNotFound  // server did not answer the ping
)

func (s VersionStatus) String() string {
	switch s {
	case VersionOK:
		return "ok"
	case VersionOldServer:
		return "server too old"
	case VersionOldClient:
		return "client update required"
	case VersionNotFound:
		return "server not found"
	default:
		return "unknown"
	}
}

// CheckServerVersion classifies a `YYYY.M[.minor]` server version string.
func CheckServerVersion(v string) VersionStatus {
	parts := strings.Split(strings.TrimSpace(v), ".")
	if len(parts) < 2 {
		return VersionUnknown
	}

	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return VersionUnknown
	}

	switch {
	case major == version.ApiVersionMajor && minor == version.ApiVersionMinor:
		return VersionOK
	case major < version.ApiVersionMajor ||
		(major == version.ApiVersionMajor && minor < version.ApiVersionMinor):
		return VersionOldServer
	default:
		return VersionOldClient
	}
}
