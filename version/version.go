package version

import "fmt"

var version = "development"

// AgentVersion returns the version of the updraft agent baked in at build time
func AgentVersion() string {
	return version
}

// UserAgent returns the User-Agent header value sent with every manifest and asset request
func UserAgent() string {
	return fmt.Sprintf("Updraft agent/%s", version)
}
