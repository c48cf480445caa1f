package domain

import "runtime"

// BottleTagAll is the tag of platform independent bottles.
const BottleTagAll = "all"

var macOSReleases = []string{"tahoe", "sequoia", "sonoma", "ventura"}

// BottleTags returns the acceptable bottle tags for a platform, best first.
func BottleTags(goos, goarch string) []string {
	var tags []string
	switch goos {
	case "darwin":
		for _, r := range macOSReleases {
			if goarch == "arm64" {
				tags = append(tags, "arm64_"+r)
			} else {
				tags = append(tags, r)
			}
		}
	case "linux":
		switch goarch {
		case "arm64":
			tags = append(tags, "arm64_linux")
		case "amd64":
			tags = append(tags, "x86_64_linux")
		}
	}
	return append(tags, BottleTagAll)
}

// HostBottleTags returns the bottle tags acceptable on the running host.
func HostBottleTags() []string {
	return BottleTags(runtime.GOOS, runtime.GOARCH)
}
